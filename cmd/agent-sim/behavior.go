package main

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/openbach-stack/conductor/internal/dispatch"
)

// behaviorRegexCache caches compiled regular expressions.
var behaviorRegexCache = struct {
	sync.RWMutex
	cache map[string]*regexp.Regexp
}{
	cache: make(map[string]*regexp.Regexp),
}

// errDrop asks the server to close the connection without replying.
type errDrop struct{}

func (errDrop) Error() string { return "connection dropped" }

// matchBehavior finds the first behavior that matches the subject.
// Returns the default behavior if nothing matches.
func (s *Simulator) matchBehavior(subject string) *Behavior {
	for i := range s.config.Behaviors {
		b := &s.config.Behaviors[i]
		if matches(b, subject) {
			s.logger.Debug("behavior matched", "pattern", b.Match, "type", b.Type, "subject", subject)
			return b
		}
	}

	s.logger.Debug("using default behavior", "subject", subject)
	return &s.config.Default.Behavior
}

// matches checks if a behavior pattern matches the subject.
func matches(b *Behavior, subject string) bool {
	switch b.Type {
	case "regex":
		return matchRegex(b.Match, subject)
	default:
		return strings.Contains(subject, b.Match)
	}
}

// matchRegex performs regex matching with caching.
func matchRegex(pattern, text string) bool {
	behaviorRegexCache.RLock()
	re, ok := behaviorRegexCache.cache[pattern]
	behaviorRegexCache.RUnlock()

	if !ok {
		var err error
		re, err = regexp.Compile(pattern)
		if err != nil {
			return false
		}
		behaviorRegexCache.Lock()
		behaviorRegexCache.cache[pattern] = re
		behaviorRegexCache.Unlock()
	}

	return re.MatchString(text)
}

// subject is the text behaviors are matched against.
func subject(instr dispatch.Instruction) string {
	name, _ := instr.Arguments["name"].(string)
	if name == "" {
		return instr.Command
	}
	return instr.Command + " " + name
}

// executeBehavior decides the reply for instr. A nil reply with errDrop
// means the connection is closed unanswered.
func (s *Simulator) executeBehavior(ctx context.Context, b *Behavior, instr dispatch.Instruction) (*dispatch.Reply, error) {
	action := b.Action

	if action.Delay > 0 {
		select {
		case <-time.After(action.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch action.Type {
	case ActionError:
		return errorReply(action), nil
	case ActionFailThenSucceed:
		if s.countAttempt(b.Match) <= action.FailCount {
			return errorReply(action), nil
		}
		return s.apply(instr, action.Result), nil
	case ActionHang:
		<-ctx.Done()
		return nil, ctx.Err()
	case ActionDrop:
		return nil, errDrop{}
	case ActionOK, "":
		return s.apply(instr, action.Result), nil
	default:
		s.logger.Warn("unknown action type, answering ok", "type", action.Type)
		return s.apply(instr, action.Result), nil
	}
}

func errorReply(action Action) *dispatch.Reply {
	msg := action.ErrorMessage
	if msg == "" {
		msg = "simulated failure"
	}
	return &dispatch.Reply{Status: "KO", Code: action.ErrorCode, Error: msg}
}

func (s *Simulator) countAttempt(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attemptCounts[pattern]++
	return s.attemptCounts[pattern]
}
