package session

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// PrivacyFilter masks candidate contact data before sessions are relayed to
// observers. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskCandidateIDs bool
	MaskNames        bool
}

// Apply returns a masked copy. The original session is never modified.
func (f *PrivacyFilter) Apply(s *ExamSession) *ExamSession {
	masked := s.Clone()

	if f.MaskCandidateIDs && masked.CandidateID != "" {
		masked.CandidateID = maskEmail(masked.CandidateID)
	}

	if f.MaskNames && masked.CandidateName != "" {
		masked.CandidateName = initials(masked.CandidateName)
	}

	return masked
}

// FilterSlice applies masking to every session. The input slice is not
// modified.
func (f *PrivacyFilter) FilterSlice(sessions []*ExamSession) []*ExamSession {
	result := make([]*ExamSession, 0, len(sessions))
	for _, s := range sessions {
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskCandidateIDs && !f.MaskNames
}

// maskEmail keeps the domain and replaces the local part with a short hash,
// so observers can still correlate events of one candidate.
func maskEmail(email string) string {
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return shortHash(email)
	}
	return shortHash(email[:at]) + email[at:]
}

func initials(name string) string {
	var b strings.Builder
	for _, part := range strings.Fields(name) {
		r := []rune(part)
		b.WriteString(strings.ToUpper(string(r[0])))
		b.WriteByte('.')
	}
	return b.String()
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
