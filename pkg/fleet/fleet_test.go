package fleet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AddRejectsDuplicateID(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Add(Backend{ID: "a", URL: "http://a"}))
	err := r.Add(Backend{ID: "a", URL: "http://other"})
	assert.Error(t, err)
}

func TestRegistry_AddRejectsDuplicateURL(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Add(Backend{ID: "a", URL: "http://shared"}))
	err := r.Add(Backend{ID: "b", URL: "http://shared"})
	assert.Error(t, err)
}

func TestRegistry_RemovePublishesEvent(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Add(Backend{ID: "a", URL: "http://a"}))

	var events []Event
	r.Subscribe(func(e Event) { events = append(events, e) })

	ok := r.Remove("a")
	assert.True(t, ok)
	require.Len(t, events, 1)
	assert.Equal(t, EventRemoved, events[0].Kind)
	assert.Equal(t, "a", events[0].Backend.ID)
}

func TestRegistry_SetFlagsSynchronous(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Add(Backend{ID: "a", URL: "http://a", Healthy: true}))

	ok := r.SetDraining("a", true)
	assert.True(t, ok)

	b, found := r.Get("a")
	require.True(t, found)
	assert.True(t, b.Draining)
	assert.False(t, b.Eligible())
}

func TestResolveTag_DefaultsToLatest(t *testing.T) {
	assert.Equal(t, "llama3:latest", ResolveTag("llama3"))
	assert.Equal(t, "llama3:7b", ResolveTag("llama3:7b"))
}

func TestBackend_AdvertisesModel_ResolvesBareTags(t *testing.T) {
	b := Backend{Models: []string{"llama3:latest"}}
	assert.True(t, b.AdvertisesModel("llama3"))
	assert.True(t, b.AdvertisesModel("llama3:latest"))
	assert.False(t, b.AdvertisesModel("mistral"))
}

func TestRegistry_ForModel(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Add(Backend{ID: "a", URL: "http://a", Models: []string{"llama3"}}))
	require.NoError(t, r.Add(Backend{ID: "b", URL: "http://b", Models: []string{"mistral"}}))

	got := r.ForModel("llama3:latest")
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)
}

func TestCooldownTracker_ExpiresAfterDuration(t *testing.T) {
	c := NewCooldownTracker(nil)
	c.StartCooldown("a", "llama3", 20*time.Millisecond)

	inCooldown, remaining := c.InCooldown("a", "llama3")
	assert.True(t, inCooldown)
	assert.Greater(t, remaining, time.Duration(0))

	time.Sleep(30 * time.Millisecond)
	inCooldown, _ = c.InCooldown("a", "llama3")
	assert.False(t, inCooldown)
}

func TestCooldownTracker_BanUnban(t *testing.T) {
	c := NewCooldownTracker(nil)
	assert.False(t, c.IsBanned("a", "llama3"))

	c.Ban("a", "llama3")
	assert.True(t, c.IsBanned("a", "llama3"))
	require.Len(t, c.BannedPairs(), 1)

	c.Unban("a", "llama3")
	assert.False(t, c.IsBanned("a", "llama3"))
}

func TestCooldownTracker_RemoveClearsServerState(t *testing.T) {
	c := NewCooldownTracker(nil)
	c.Ban("a", "llama3")
	c.StartCooldown("a", "mistral", time.Minute)

	c.Remove("a")
	assert.False(t, c.IsBanned("a", "llama3"))
	inCooldown, _ := c.InCooldown("a", "mistral")
	assert.False(t, inCooldown)
}
