package lifecycle

import (
	"fmt"
	"time"

	"github.com/exam-proctor/backend/internal/violation"
)

// NoticeKind classifies a user-visible notice.
type NoticeKind string

const (
	NoticeTermination NoticeKind = "termination"
	NoticeSubmitted   NoticeKind = "submitted"
	NoticeAdvisory    NoticeKind = "advisory"
	NoticeWarning     NoticeKind = "warning"
)

// Notice is a message shown to the candidate. Final is set on the last
// notice of a session, after which the client leaves the exam page.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
	Final   bool       `json:"final,omitempty"`
}

func terminationNotice(cause violation.Cause) Notice {
	return Notice{Kind: NoticeTermination, Message: "❌ " + cause.String() + ". Exam terminated."}
}

func advisoryNotice(left time.Duration) Notice {
	var text string
	switch {
	case left == time.Minute:
		text = "1 minute"
	case left%time.Minute == 0:
		text = fmt.Sprintf("%d minutes", int(left/time.Minute))
	default:
		text = fmt.Sprintf("%d seconds", int(left/time.Second))
	}
	return Notice{Kind: NoticeAdvisory, Message: "⚠️ " + text + " remaining"}
}
