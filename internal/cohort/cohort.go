// Package cohort expands subject/session selections into pairs and fans work
// out over them.
package cohort

import (
	"fmt"
	"os"
	"sort"
	"strings"
)

// All selects every subject found in the dataset or every configured session.
const All = "all"

const (
	subjectPrefix = "sub-"
	sessionPrefix = "ses-"
)

// Pair is one subject/session combination.
type Pair struct {
	Subject string
	Session string
}

// String renders the pair the way file names embed it.
func (p Pair) String() string {
	return p.Subject + "_" + p.Session
}

// SubjectID strips the BIDS sub- prefix.
func (p Pair) SubjectID() string {
	return strings.TrimPrefix(p.Subject, subjectPrefix)
}

// SessionID strips the BIDS ses- prefix.
func (p Pair) SessionID() string {
	return strings.TrimPrefix(p.Session, sessionPrefix)
}

// Options controls how "all" is expanded.
type Options struct {
	// SubjectPrefix is required on every listed subject directory.
	SubjectPrefix string
	// SubjectFilter is a substring a listed subject directory must contain.
	SubjectFilter string
	// Sessions is the default session list used for "all".
	Sessions []string
}

// Expand returns the sorted cartesian product of the requested subjects and
// sessions. Explicit identifiers gain sub-/ses- prefixes when missing.
func Expand(root string, subjects, sessions []string, opts Options) ([]Pair, error) {
	subjectList, err := expandSubjects(root, subjects, opts)
	if err != nil {
		return nil, err
	}
	sessionList := expandSessions(sessions, opts)
	if len(subjectList) == 0 {
		return nil, fmt.Errorf("cohort: no subjects selected")
	}
	if len(sessionList) == 0 {
		return nil, fmt.Errorf("cohort: no sessions selected")
	}
	pairs := make([]Pair, 0, len(subjectList)*len(sessionList))
	for _, subj := range subjectList {
		for _, sess := range sessionList {
			pairs = append(pairs, Pair{Subject: subj, Session: sess})
		}
	}
	return pairs, nil
}

// Subjects lists subject directories under root that match the options.
func Subjects(root string, opts Options) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("cohort: list subjects in %s: %w", root, err)
	}
	prefix := opts.SubjectPrefix
	if prefix == "" {
		prefix = subjectPrefix
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if opts.SubjectFilter != "" && !strings.Contains(name, opts.SubjectFilter) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// PairFromDicomDir maps a DICOM inbox folder named <subjID>_<sessID> to a
// prefixed pair. The split happens at the last underscore.
func PairFromDicomDir(name string) (Pair, error) {
	idx := strings.LastIndex(name, "_")
	if idx <= 0 || idx == len(name)-1 {
		return Pair{}, fmt.Errorf("cohort: %q is not <subject>_<session>", name)
	}
	return Pair{
		Subject: withPrefix(name[:idx], subjectPrefix),
		Session: withPrefix(name[idx+1:], sessionPrefix),
	}, nil
}

func expandSubjects(root string, requested []string, opts Options) ([]string, error) {
	if len(requested) == 0 || containsAll(requested) {
		return Subjects(root, opts)
	}
	return normalizeIDs(requested, subjectPrefix), nil
}

func expandSessions(requested []string, opts Options) []string {
	if len(requested) == 0 || containsAll(requested) {
		return normalizeIDs(opts.Sessions, sessionPrefix)
	}
	return normalizeIDs(requested, sessionPrefix)
}

func normalizeIDs(values []string, prefix string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id := withPrefix(part, prefix)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func withPrefix(id, prefix string) string {
	if strings.HasPrefix(id, prefix) {
		return id
	}
	return prefix + id
}

func containsAll(values []string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), All) {
			return true
		}
	}
	return false
}
