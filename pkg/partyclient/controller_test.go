package partyclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"
)

const selfID = "user-self"

type fakeDirectory struct {
	mu         sync.Mutex
	party      Party
	memberIDs  []string
	profiles   map[string]Profile
	createErr  error
	joinErr    error
	leaveCalls int
	endCalls   int
}

func newFakeDirectory(hostID string) *fakeDirectory {
	return &fakeDirectory{
		party: Party{
			ID:        "party-1",
			JoinCode:  "1234",
			JoinToken: "tok-abcdef",
			HostID:    hostID,
			ExpiresAt: time.Now().Add(time.Hour),
		},
		memberIDs: []string{selfID},
		profiles:  map[string]Profile{},
	}
}

func (d *fakeDirectory) CreateParty(ctx context.Context) (*Party, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	p := d.party
	return &p, nil
}

func (d *fakeDirectory) JoinByCode(ctx context.Context, code string) (*Party, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.joinErr != nil {
		return nil, d.joinErr
	}
	if code != d.party.JoinCode {
		return nil, ErrNotFound
	}
	p := d.party
	return &p, nil
}

func (d *fakeDirectory) JoinByToken(ctx context.Context, token string) (*Party, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.joinErr != nil {
		return nil, d.joinErr
	}
	if token != d.party.JoinToken {
		return nil, ErrNotFound
	}
	p := d.party
	return &p, nil
}

func (d *fakeDirectory) Leave(ctx context.Context, partyID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaveCalls++
	return nil
}

func (d *fakeDirectory) End(ctx context.Context, partyID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endCalls++
	return nil
}

func (d *fakeDirectory) RegenCode(ctx context.Context, partyID string) (*Party, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.party.JoinCode = "5678"
	p := d.party
	return &p, nil
}

func (d *fakeDirectory) Members(ctx context.Context, partyID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.memberIDs...), nil
}

func (d *fakeDirectory) FetchProfiles(ctx context.Context, ids []string) ([]Profile, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Profile
	for _, id := range ids {
		if p, ok := d.profiles[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (d *fakeDirectory) leaves() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.leaveCalls
}

func (d *fakeDirectory) ends() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.endCalls
}

type published struct {
	topic   string
	event   string
	payload interface{}
}

type fakeTransport struct {
	mu       sync.Mutex
	handler  func(Event)
	topic    string
	canceled bool
	subErr   error
	msgs     []published
}

func (t *fakeTransport) Subscribe(topic string, handler func(Event)) (func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.subErr != nil {
		return nil, t.subErr
	}
	t.topic = topic
	t.handler = handler
	t.canceled = false
	return func() {
		t.mu.Lock()
		t.canceled = true
		t.mu.Unlock()
	}, nil
}

func (t *fakeTransport) Publish(topic string, event string, payload interface{}) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append(t.msgs, published{topic: topic, event: event, payload: payload})
	return nil
}

// deliver pushes an event through the captured subscription handler, the way
// the gateway would.
func (t *fakeTransport) deliver(tb testing.TB, event string, payload interface{}) {
	tb.Helper()
	t.mu.Lock()
	h := t.handler
	t.mu.Unlock()
	if h == nil {
		tb.Fatal("no active subscription")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		tb.Fatalf("marshal event: %v", err)
	}
	h(Event{Name: event, Data: raw})
}

func (t *fakeTransport) publishes() []published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]published(nil), t.msgs...)
}

func newTestController(t *testing.T, dir Directory, tr Transport, cfg Config) *Controller {
	t.Helper()
	c := NewController(selfID, dir, tr, cfg, nil)
	t.Cleanup(c.Close)
	return c
}

func waitState(t *testing.T, c *Controller, want State) Snapshot {
	t.Helper()
	var snap Snapshot
	waitFor(t, 2*time.Second, func() bool {
		snap = c.Snapshot()
		return snap.State == want
	})
	return snap
}

func rosterIDs(s Snapshot) []string {
	ids := make([]string, 0, len(s.Roster))
	for _, m := range s.Roster {
		ids = append(ids, m.UserID)
	}
	return ids
}

func TestCreateBecomesHost(t *testing.T) {
	dir := newFakeDirectory(selfID)
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.CreateParty()
	snap := waitState(t, c, StateJoined)

	if snap.Role != RoleHost {
		t.Errorf("role = %s, want host", snap.Role)
	}
	if snap.Party == nil || snap.Party.JoinCode != "1234" {
		t.Errorf("party = %+v, want join code 1234", snap.Party)
	}
	if got := rosterIDs(snap); len(got) != 1 || got[0] != selfID {
		t.Errorf("roster = %v, want only self", got)
	}
	tr.mu.Lock()
	topic := tr.topic
	tr.mu.Unlock()
	if topic != "party:tok-abcdef" {
		t.Errorf("subscribed topic = %q, want the join token, never the code", topic)
	}
}

func TestJoinAsMember(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	snap := waitState(t, c, StateJoined)
	if snap.Role != RoleMember {
		t.Errorf("role = %s, want member", snap.Role)
	}
}

func TestJoinFailureRollsBackToIdle(t *testing.T) {
	dir := newFakeDirectory("user-host")
	dir.joinErr = ErrCapacityExceeded
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	waitFor(t, 2*time.Second, func() bool {
		s := c.Snapshot()
		return s.State == StateIdle && s.LastError != ""
	})
	snap := c.Snapshot()
	if snap.Party != nil || len(snap.Roster) != 0 {
		t.Errorf("rollback left residue: %+v", snap)
	}
	if snap.LastError != "that party is already full" {
		t.Errorf("lastError = %q", snap.LastError)
	}
}

func TestLocationAdmitsUntilCap(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{MaxMembers: 3})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)

	tr.deliver(t, "location", locationMessage{UserID: "user-a", Lat: 1, Lon: 2})
	tr.deliver(t, "location", locationMessage{UserID: "user-b", Lat: 3, Lon: 4})
	waitFor(t, 2*time.Second, func() bool { return len(c.Snapshot().Roster) == 3 })

	// Full party: a later arrival is dropped, nobody is evicted for it.
	tr.deliver(t, "location", locationMessage{UserID: "user-z", Lat: 5, Lon: 6})
	time.Sleep(30 * time.Millisecond)
	snap := c.Snapshot()
	for _, m := range snap.Roster {
		if m.UserID == "user-z" {
			t.Fatal("over-cap arrival was admitted")
		}
	}
	if len(snap.Roster) != 3 {
		t.Errorf("roster size = %d, want 3", len(snap.Roster))
	}
}

func TestLocationUpdatesReplaceInPlace(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)

	tr.deliver(t, "location", locationMessage{UserID: "user-a", Lat: 1, Lon: 1})
	tr.deliver(t, "location", locationMessage{UserID: "user-a", Lat: 9, Lon: 9})
	waitFor(t, 2*time.Second, func() bool {
		for _, m := range c.Snapshot().Roster {
			if m.UserID == "user-a" && m.Location != nil && m.Location.Lat == 9 {
				return true
			}
		}
		return false
	})
	if got := len(c.Snapshot().Roster); got != 2 {
		t.Errorf("roster size = %d, want 2 (self + user-a)", got)
	}
}

func TestOwnEchoIgnored(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)

	tr.deliver(t, "location", locationMessage{UserID: selfID, Lat: 42, Lon: 42})
	time.Sleep(30 * time.Millisecond)
	for _, m := range c.Snapshot().Roster {
		if m.IsSelf && m.Location != nil {
			t.Error("own broadcast echo overwrote local location state")
		}
	}
}

func TestSeedEvictionIsPermutationInvariant(t *testing.T) {
	perms := [][]string{
		{"user-b", "user-d", "user-a", "user-e", "user-c"},
		{"user-e", "user-d", "user-c", "user-b", "user-a"},
		{"user-a", "user-b", "user-c", "user-d", "user-e"},
	}
	// Sorted by UserID, so self ("user-self") lands after the kept remotes.
	want := []string{"user-a", "user-b", "user-c", "user-d", selfID}

	for i, perm := range perms {
		t.Run(fmt.Sprintf("perm_%d", i), func(t *testing.T) {
			dir := newFakeDirectory("user-host")
			dir.memberIDs = append([]string{selfID}, perm...)
			tr := &fakeTransport{}
			c := newTestController(t, dir, tr, Config{MaxMembers: 5})

			c.JoinParty("1234")
			waitState(t, c, StateJoined)
			waitFor(t, 2*time.Second, func() bool { return len(c.Snapshot().Roster) == 5 })

			got := rosterIDs(c.Snapshot()) // sorted by UserID
			for j := range want {
				if got[j] != want[j] {
					t.Fatalf("roster = %v, want %v", got, want)
				}
			}
		})
	}
}

func TestMemberLeftRemovesFromRoster(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)

	tr.deliver(t, "location", locationMessage{UserID: "user-a", Lat: 1, Lon: 1})
	waitFor(t, 2*time.Second, func() bool { return len(c.Snapshot().Roster) == 2 })

	tr.deliver(t, "member_left", map[string]string{"user_id": "user-a"})
	waitFor(t, 2*time.Second, func() bool { return len(c.Snapshot().Roster) == 1 })
}

func TestPartyEndedTearsDown(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)

	tr.deliver(t, "party_ended", map[string]string{"party_id": "party-1"})
	snap := waitState(t, c, StateIdle)
	if snap.Party != nil || len(snap.Roster) != 0 {
		t.Errorf("teardown left residue: %+v", snap)
	}
	tr.mu.Lock()
	canceled := tr.canceled
	tr.mu.Unlock()
	if !canceled {
		t.Error("subscription was not canceled on teardown")
	}
}

func TestMessagesAfterLeaveAreIgnored(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)

	tr.mu.Lock()
	stale := tr.handler
	tr.mu.Unlock()

	c.LeaveParty()
	waitState(t, c, StateIdle)
	if dir.leaves() != 1 {
		t.Fatalf("leave calls = %d, want 1", dir.leaves())
	}

	// A message still in flight from the old subscription must not resurrect
	// any session state.
	raw, _ := json.Marshal(locationMessage{UserID: "user-a", Lat: 1, Lon: 1})
	stale(Event{Name: "location", Data: raw})
	time.Sleep(30 * time.Millisecond)
	snap := c.Snapshot()
	if snap.State != StateIdle || len(snap.Roster) != 0 {
		t.Errorf("stale message mutated state: %+v", snap)
	}
}

func TestTTLWatchdogLeavesAutomatically(t *testing.T) {
	dir := newFakeDirectory("user-host")
	dir.party.ExpiresAt = time.Now().Add(80 * time.Millisecond)
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)
	waitState(t, c, StateIdle)
	if dir.leaves() != 1 {
		t.Errorf("leave calls = %d, want 1", dir.leaves())
	}
}

func TestExplicitLeaveCancelsWatchdog(t *testing.T) {
	dir := newFakeDirectory("user-host")
	dir.party.ExpiresAt = time.Now().Add(150 * time.Millisecond)
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)
	c.LeaveParty()
	waitState(t, c, StateIdle)

	time.Sleep(250 * time.Millisecond)
	if dir.leaves() != 1 {
		t.Errorf("leave calls = %d after expiry passed, want 1", dir.leaves())
	}
}

func TestUpdateLocationThrottles(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{PublishInterval: 100 * time.Millisecond})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)

	// A burst of updates inside one interval: the first goes out immediately,
	// the rest coalesce into one trailing publish carrying the latest value.
	for i := 1; i <= 5; i++ {
		c.UpdateLocation(float64(i), float64(i))
	}
	time.Sleep(300 * time.Millisecond)

	var locs []published
	for _, m := range tr.publishes() {
		if m.event == "location" {
			locs = append(locs, m)
		}
	}
	if len(locs) == 0 || len(locs) > 2 {
		t.Fatalf("location publishes = %d, want 1 or 2", len(locs))
	}
	last, ok := locs[len(locs)-1].payload.(locationMessage)
	if !ok {
		t.Fatalf("payload type %T", locs[len(locs)-1].payload)
	}
	if last.Lat != 5 {
		t.Errorf("last published lat = %v, want 5 (latest wins)", last.Lat)
	}
	if last.UserID != selfID {
		t.Errorf("published user = %q, want self", last.UserID)
	}
}

func TestSelfLocationVisibleImmediately(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{PublishInterval: time.Hour})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)

	c.UpdateLocation(7, 8)
	waitFor(t, 2*time.Second, func() bool {
		for _, m := range c.Snapshot().Roster {
			if m.IsSelf && m.Location != nil && m.Location.Lat == 7 {
				return true
			}
		}
		return false
	})
}

func TestEndPartyRequiresHost(t *testing.T) {
	dir := newFakeDirectory("user-host")
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)

	c.EndParty()
	waitFor(t, 2*time.Second, func() bool { return c.Snapshot().LastError != "" })
	snap := c.Snapshot()
	if snap.State != StateJoined {
		t.Errorf("state = %s, want joined (local host check rejects)", snap.State)
	}
	if dir.ends() != 0 {
		t.Errorf("End reached the directory despite member role")
	}
}

func TestEndPartyAsHost(t *testing.T) {
	dir := newFakeDirectory(selfID)
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.CreateParty()
	waitState(t, c, StateJoined)

	c.EndParty()
	waitState(t, c, StateIdle)
	if dir.ends() != 1 {
		t.Errorf("end calls = %d, want 1", dir.ends())
	}
}

func TestRegenCodeUpdatesParty(t *testing.T) {
	dir := newFakeDirectory(selfID)
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.CreateParty()
	waitState(t, c, StateJoined)

	c.RegenCode()
	waitFor(t, 2*time.Second, func() bool {
		s := c.Snapshot()
		return s.Party != nil && s.Party.JoinCode == "5678"
	})
	// The topic key does not change; the subscription stays up.
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.canceled {
		t.Error("regen tore down the subscription")
	}
}

func TestProfilesResolveIntoRoster(t *testing.T) {
	dir := newFakeDirectory("user-host")
	dir.profiles["user-a"] = Profile{UserID: "user-a", DisplayName: "Ada", AvatarURL: "https://cdn/a.png"}
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{ResolveDebounce: 10 * time.Millisecond})

	c.JoinParty("1234")
	waitState(t, c, StateJoined)
	tr.deliver(t, "location", locationMessage{UserID: "user-a", Lat: 1, Lon: 1})

	waitFor(t, 2*time.Second, func() bool {
		for _, m := range c.Snapshot().Roster {
			if m.UserID == "user-a" && m.Profile != nil {
				return m.Profile.DisplayName == "Ada"
			}
		}
		return false
	})
}

func TestCreateWhileJoinedRejected(t *testing.T) {
	dir := newFakeDirectory(selfID)
	tr := &fakeTransport{}
	c := newTestController(t, dir, tr, Config{})

	c.CreateParty()
	waitState(t, c, StateJoined)

	c.CreateParty()
	waitFor(t, 2*time.Second, func() bool { return c.Snapshot().LastError != "" })
	if s := c.Snapshot(); s.State != StateJoined {
		t.Errorf("state = %s, want joined", s.State)
	}
}
