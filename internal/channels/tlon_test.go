package channels

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTlonTarget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		target string
		want   *TlonSession
	}{
		{
			name:   "ship with sig",
			target: "~zod",
			want:   &TlonSession{Kind: PeerDirect, ID: "~zod", From: "tlon:~zod", To: "tlon:~zod"},
		},
		{
			name:   "bare ship gains sig",
			target: "zod",
			want:   &TlonSession{Kind: PeerDirect, ID: "~zod", From: "tlon:~zod", To: "tlon:~zod"},
		},
		{
			name:   "dm prefix",
			target: "dm:sampel-palnet",
			want:   &TlonSession{Kind: PeerDirect, ID: "~sampel-palnet", From: "tlon:~sampel-palnet", To: "tlon:~sampel-palnet"},
		},
		{
			name:   "group host slash name",
			target: "group:~host-ship/general",
			want: &TlonSession{
				Kind: PeerGroup,
				ID:   "chat/~host-ship/general",
				From: "tlon:group:chat/~host-ship/general",
				To:   "tlon:chat/~host-ship/general",
			},
		},
		{
			name:   "bare host slash name",
			target: "host-ship/general",
			want: &TlonSession{
				Kind: PeerGroup,
				ID:   "chat/~host-ship/general",
				From: "tlon:group:chat/~host-ship/general",
				To:   "tlon:chat/~host-ship/general",
			},
		},
		{
			name:   "explicit chat path",
			target: "chat/~zod/lobby",
			want: &TlonSession{
				Kind: PeerGroup,
				ID:   "chat/~zod/lobby",
				From: "tlon:group:chat/~zod/lobby",
				To:   "tlon:chat/~zod/lobby",
			},
		},
		{
			name:   "opaque group id",
			target: "group:opaque-id",
			want: &TlonSession{
				Kind: PeerGroup,
				ID:   "opaque-id",
				From: "tlon:group:opaque-id",
				To:   "tlon:opaque-id",
			},
		},
		{
			name:   "tlon prefix stripped",
			target: " tlon:~zod ",
			want:   &TlonSession{Kind: PeerDirect, ID: "~zod", From: "tlon:~zod", To: "tlon:~zod"},
		},
		{name: "blank", target: "   ", want: nil},
		{name: "empty dm", target: "dm:", want: nil},
		{name: "empty group", target: "group:", want: nil},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := NormalizeTlonTarget(tt.target)
			if tt.want == nil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got)
		})
	}
}
