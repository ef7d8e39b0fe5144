package detect

import (
	"testing"

	"vigil/core"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	event := loginEvent()

	testCases := []struct {
		name       string
		tmpl       string
		want       string
		wantErrors int
	}{
		{"no placeholders", "static text", "static text", 0},
		{"well known", "login {status} for {user_id}", "login failure for alice", 0},
		{"free form number", "{attempts} attempts", "7 attempts", 0},
		{"dotted path", "from {geo.city}", "from Utrecht", 0},
		{"missing renders empty", "device=[{device}]", "device=[]", 0},
		{"list rendered as json", "tags={tags}", `tags=["vpn","mobile"]`, 0},
		{"unterminated", "user {user_id", "user {user_id", 1},
		{"empty braces", "x {} y", "x {} y", 1},
		{"space inside", "hello {user id}", "hello {user id}", 1},
		{"json literal", `payload {"a":1}`, `payload {"a":1}`, 1},
		{"mixed", "{status} {bad placeholder} {ip_address}", "failure {bad placeholder} 10.0.0.5", 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, errs := RenderTemplate(tc.tmpl, event)
			assert.Equal(t, tc.want, got)
			assert.Len(t, errs, tc.wantErrors)
		})
	}
}

func TestRenderTemplate_EmptyEvent(t *testing.T) {
	got, errs := RenderTemplate("{status}/{user_id}", &core.Event{})
	assert.Equal(t, "/", got)
	assert.Empty(t, errs)
}
