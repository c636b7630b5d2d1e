package goIdentity

import (
	"context"
	"testing"
)

func TestRequestMetaLayering(t *testing.T) {
	base := WithClientIP(context.Background(), "203.0.113.9")
	withUA := WithUserAgent(base, "curl/8.0")
	withChallenge := WithChallengeToken(withUA, "solved")

	if clientIPFromContext(withChallenge) != "203.0.113.9" ||
		userAgentFromContext(withChallenge) != "curl/8.0" ||
		challengeTokenFromContext(withChallenge) != "solved" {
		t.Fatal("later With* calls must keep earlier request details")
	}
	if challengeTokenFromContext(withUA) != "" || userAgentFromContext(base) != "" {
		t.Fatal("parent contexts must not see values added by children")
	}
	if clientIPFromContext(nil) != "" { //nolint:staticcheck
		t.Fatal("nil context must read as empty")
	}
}
