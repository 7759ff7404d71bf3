package alerting

import "github.com/relaydeliver/engine/domain"

// topLevel is the highest escalation rung (CRITICAL); escalation never
// advances past it.
const topLevel = 3

var ladderSeverity = [...]domain.EscalationSeverity{
	domain.SeverityLow,
	domain.SeverityMedium,
	domain.SeverityHigh,
	domain.SeverityCritical,
}

var ladderChannels = [...][]string{
	{"email"},
	{"email", "chat"},
	{"email", "chat", "pager"},
	{"email", "chat", "pager", "phone"},
}

func severityForLevel(level int) domain.EscalationSeverity {
	if level < 0 {
		level = 0
	}
	if level > topLevel {
		level = topLevel
	}
	return ladderSeverity[level]
}

func channelsForLevel(level int) []string {
	if level < 0 {
		level = 0
	}
	if level > topLevel {
		level = topLevel
	}
	return ladderChannels[level]
}
