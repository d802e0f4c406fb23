package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParseAshigaru(t *testing.T) {
	tests := []struct {
		id     string
		wantN  int
		wantOK bool
	}{
		{"ashigaru1", 1, true},
		{"ashigaru5", 5, true},
		{"ashigaru12", 12, true},
		{"ashigaru0", 0, false},
		{"ashigaru-1", 0, false},
		{"ashigaru01", 0, false},
		{"ashigaru", 0, false},
		{"karou", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		n, ok := ParseAshigaru(tt.id)
		require.Equal(t, tt.wantOK, ok, "id %q", tt.id)
		require.Equal(t, tt.wantN, n, "id %q", tt.id)
	}
}

func TestRoleOf(t *testing.T) {
	tests := []struct {
		id     string
		want   Role
		wantOK bool
	}{
		{"king", RoleKing, true},
		{"shogun", RoleShogun, true},
		{"karou", RoleKarou, true},
		{"ashigaru3", RoleAshigaru, true},
		{"daimyo", "", false},
		{"ashigaruX", "", false},
	}
	for _, tt := range tests {
		role, ok := RoleOf(tt.id)
		require.Equal(t, tt.wantOK, ok, "id %q", tt.id)
		require.Equal(t, tt.want, role, "id %q", tt.id)
	}
}

func TestIsAgentID(t *testing.T) {
	require.True(t, IsAgentID("king", 5))
	require.True(t, IsAgentID("ashigaru5", 5))
	require.False(t, IsAgentID("ashigaru6", 5))
	require.False(t, IsAgentID("peasant", 5))
}

func TestAllowedRecipients(t *testing.T) {
	fleet := AshigaruIDs(3)

	t.Run("shogun", func(t *testing.T) {
		require.ElementsMatch(t, []string{"king", "karou"}, AllowedRecipients("shogun", fleet))
	})

	t.Run("karou", func(t *testing.T) {
		require.ElementsMatch(t,
			[]string{"shogun", "ashigaru1", "ashigaru2", "ashigaru3"},
			AllowedRecipients("karou", fleet))
	})

	t.Run("ashigaru excludes self", func(t *testing.T) {
		require.ElementsMatch(t,
			[]string{"karou", "ashigaru1", "ashigaru3"},
			AllowedRecipients("ashigaru2", fleet))
	})

	t.Run("king and unknown have none", func(t *testing.T) {
		require.Empty(t, AllowedRecipients("king", fleet))
		require.Empty(t, AllowedRecipients("ninja", fleet))
	})
}

func TestCanMessage(t *testing.T) {
	fleet := AshigaruIDs(2)
	require.True(t, CanMessage("shogun", "king", fleet))
	require.True(t, CanMessage("karou", "ashigaru2", fleet))
	require.True(t, CanMessage("ashigaru1", "ashigaru2", fleet))
	require.False(t, CanMessage("ashigaru1", "shogun", fleet))
	require.False(t, CanMessage("ashigaru1", "ashigaru1", fleet))
	require.False(t, CanMessage("shogun", "ashigaru1", fleet))
}

func TestCanInterrupt(t *testing.T) {
	fleet := AshigaruIDs(2)
	require.True(t, CanInterrupt("shogun", "karou", fleet))
	require.True(t, CanInterrupt("karou", "ashigaru1", fleet))
	require.False(t, CanInterrupt("shogun", "ashigaru1", fleet))
	require.False(t, CanInterrupt("karou", "shogun", fleet))
	require.False(t, CanInterrupt("ashigaru1", "ashigaru2", fleet))
	require.False(t, CanInterrupt("karou", "ashigaru9", fleet))
}

func TestDefaultSuperior(t *testing.T) {
	tests := []struct {
		id     string
		want   string
		wantOK bool
	}{
		{"shogun", "king", true},
		{"karou", "shogun", true},
		{"ashigaru4", "karou", true},
		{"king", "", false},
		{"bandit", "", false},
	}
	for _, tt := range tests {
		got, ok := DefaultSuperior(tt.id)
		require.Equal(t, tt.wantOK, ok, "id %q", tt.id)
		require.Equal(t, tt.want, got, "id %q", tt.id)
	}
}

// Every recipient an agent is ever allowed to address must itself be a
// member of the fleet, and self-messaging is never allowed.
func TestAllowedRecipientsClosure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		k := rapid.IntRange(1, 12).Draw(t, "k")
		fleet := AshigaruIDs(k)

		all := append([]string{King, Shogun, Karou}, fleet...)
		sender := rapid.SampledFrom(all).Draw(t, "sender")

		for _, rcpt := range AllowedRecipients(sender, fleet) {
			require.NotEqual(t, sender, rcpt, "no self-messaging")
			require.True(t, IsAgentID(rcpt, k), "recipient %q outside fleet", rcpt)
		}
	})
}
