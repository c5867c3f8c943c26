package prompt

import "time"

type monthDay struct {
	month time.Month
	day   int
}

var festivals = map[monthDay]string{
	{time.January, 1}:    "元旦",
	{time.February, 14}:  "情人节",
	{time.March, 8}:      "妇女节",
	{time.March, 12}:     "植树节",
	{time.March, 29}:     "小鞠知花的生日",
	{time.April, 1}:      "愚人节",
	{time.May, 1}:        "劳动节",
	{time.May, 4}:        "青年节",
	{time.June, 1}:       "儿童节",
	{time.July, 1}:       "建党节",
	{time.August, 1}:     "建军节",
	{time.September, 10}: "教师节",
	{time.October, 1}:    "国庆节",
	{time.December, 24}:  "平安夜",
	{time.December, 25}:  "圣诞节",
}

// Festival returns the Gregorian festival falling on t's date, if any.
func Festival(t time.Time) (string, bool) {
	name, ok := festivals[monthDay{t.Month(), t.Day()}]
	if !ok {
		return "", false
	}
	return "今天是" + name, true
}
