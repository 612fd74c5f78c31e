package dispatch

import "strings"

// Messages is a set of status strings for one locale. Submitted takes the
// action and the message; Retried and Confirmed take the job ID.
type Messages struct {
	Idle         string
	MissingInput string
	Submitted    string
	Retried      string
	Confirmed    string
	RateLimited  string
	Failed       string
}

var Thai = Messages{
	Idle:         "สถานะ: ",
	MissingInput: "สถานะ: กรุณาใส่ข้อความก่อนส่ง",
	Submitted:    `สถานะ: Action=%s | Message="%s"`,
	Retried:      "สถานะ: Retry job id=%s",
	Confirmed:    "สถานะ: Confirm job id=%s",
	RateLimited:  "สถานะ: ส่งคำขอถี่เกินไป กรุณารอสักครู่",
	Failed:       "สถานะ: error ตอนส่งงาน",
}

var English = Messages{
	Idle:         "Status: ",
	MissingInput: "Status: please enter a message before sending",
	Submitted:    `Status: Action=%s | Message="%s"`,
	Retried:      "Status: Retry job id=%s",
	Confirmed:    "Status: Confirm job id=%s",
	RateLimited:  "Status: too many requests, please wait a moment",
	Failed:       "Status: error while submitting",
}

// MessagesFor returns the messages for locale, falling back to Thai.
func MessagesFor(locale string) Messages {
	switch strings.ToLower(strings.TrimSpace(locale)) {
	case "en", "en-us", "en-gb", "english":
		return English
	default:
		return Thai
	}
}
