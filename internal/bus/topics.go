package bus

import (
	"fmt"
	"strings"
)

// SubjectPrefix roots every subject the engine publishes on.
const SubjectPrefix = "conduit"

// TopicKind distinguishes the two kinds of topics.
type TopicKind string

const (
	// KindContent carries the streamed units of one run.
	KindContent TopicKind = "content"
	// KindStatus carries run status events for a thread.
	KindStatus TopicKind = "status"
)

// Topic is a typed subject on the bus.
type Topic struct {
	Kind    TopicKind
	Subject string
}

func (t Topic) String() string {
	return t.Subject
}

// ContentTopic returns the content topic of one run.
func ContentTopic(threadID, runID string) Topic {
	return Topic{
		Kind:    KindContent,
		Subject: fmt.Sprintf("%s.%s.%s.%s", SubjectPrefix, KindContent, token(threadID), token(runID)),
	}
}

// ContentTopicNamed wraps a content topic name chosen by the enqueuer. A
// name without the subject prefix is placed under it.
func ContentTopicNamed(name string) Topic {
	if strings.HasPrefix(name, SubjectPrefix+".") {
		return Topic{Kind: KindContent, Subject: name}
	}
	return Topic{Kind: KindContent, Subject: fmt.Sprintf("%s.%s.%s", SubjectPrefix, KindContent, token(name))}
}

// StatusTopic returns the status topic of a thread.
func StatusTopic(threadID string) Topic {
	return Topic{
		Kind:    KindStatus,
		Subject: fmt.Sprintf("%s.%s.%s", SubjectPrefix, KindStatus, token(threadID)),
	}
}

// token makes an identifier safe as a single subject token.
func token(id string) string {
	if id == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, id)
}
