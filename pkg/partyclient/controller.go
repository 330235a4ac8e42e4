package partyclient

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

const opTimeout = 15 * time.Second

// Config holds controller tuning. Zero values take the defaults.
type Config struct {
	MaxMembers      int           // party capacity including self (default 5)
	PublishInterval time.Duration // own-location broadcast floor (default 1s)
	ResolveDebounce time.Duration // profile batch debounce (default 300ms)
	ResolveBatch    int           // profile batch size threshold (default 8)
}

func (c Config) withDefaults() Config {
	if c.MaxMembers <= 0 {
		c.MaxMembers = 5
	}
	if c.PublishInterval <= 0 {
		c.PublishInterval = time.Second
	}
	if c.ResolveDebounce <= 0 {
		c.ResolveDebounce = 300 * time.Millisecond
	}
	if c.ResolveBatch <= 0 {
		c.ResolveBatch = 8
	}
	return c
}

type rosterEntry struct {
	userID string
	loc    *Location
}

// Controller is the per-device session orchestrator. A single goroutine owns
// all mutable state (roster, pending profiles, timers); public methods and
// asynchronous completions are marshaled onto it through a command channel,
// so there is exactly one writer and no fine-grained locking.
type Controller struct {
	userID string
	dir    Directory
	tr     Transport
	cfg    Config
	logger *zap.Logger

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Everything below is owned by the run loop.
	state    State
	role     Role
	gen      uint64 // session generation; bumped on every teardown
	party    *Party
	roster   map[string]*rosterEntry
	lastErr  string
	resolver *resolver
	watchdog *time.Timer
	unsub    func()
	listener func(Snapshot)
	now      func() time.Time

	pendingLoc *Location
	lastPub    time.Time
	pubTimer   *time.Timer
}

// NewController creates and starts a session controller for the given user.
func NewController(userID string, dir Directory, tr Transport, cfg Config, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		userID: userID,
		dir:    dir,
		tr:     tr,
		cfg:    cfg.withDefaults(),
		logger: logger,
		cmds:   make(chan func(), 64),
		done:   make(chan struct{}),
		state:  StateIdle,
		roster: make(map[string]*rosterEntry),
		now:    time.Now,
	}
	c.resolver = newResolver(
		dir.FetchProfiles,
		c.cfg.ResolveDebounce,
		c.cfg.ResolveBatch,
		c.post,
		func(gen uint64) bool { return c.gen == gen && c.state == StateJoined },
		c.emit,
	)
	go c.run()
	return c
}

func (c *Controller) run() {
	for {
		select {
		case fn := <-c.cmds:
			fn()
		case <-c.done:
			return
		}
	}
}

// post marshals fn onto the owning goroutine. After Close it is a no-op.
func (c *Controller) post(fn func()) {
	select {
	case c.cmds <- fn:
	case <-c.done:
	}
}

// Close tears down the session and stops the controller goroutine.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.post(func() {
			c.teardown()
			c.state = StateIdle
			close(c.done)
		})
	})
}

// SetListener registers the snapshot observer. Called from the owning
// goroutine after every state mutation; the snapshot is safe to retain.
func (c *Controller) SetListener(fn func(Snapshot)) {
	c.post(func() {
		c.listener = fn
	})
}

// Snapshot returns the current state synchronously.
func (c *Controller) Snapshot() Snapshot {
	ch := make(chan Snapshot, 1)
	c.post(func() { ch <- c.snapshot() })
	select {
	case s := <-ch:
		return s
	case <-c.done:
		return Snapshot{State: StateIdle}
	}
}

// CreateParty starts a new party with this user as host.
func (c *Controller) CreateParty() {
	c.post(func() {
		if c.state != StateIdle {
			c.lastErr = "already in a party"
			c.emit()
			return
		}
		c.state = StateCreating
		c.lastErr = ""
		c.emit()
		g := c.gen
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			p, err := c.dir.CreateParty(ctx)
			c.post(func() { c.finishStart(g, StateCreating, p, err) })
		}()
	})
}

// JoinParty joins an existing party by its 4-digit code.
func (c *Controller) JoinParty(code string) {
	c.startJoin(func(ctx context.Context) (*Party, error) {
		return c.dir.JoinByCode(ctx, code)
	})
}

// JoinPartyByToken joins via a deep-link token. Preferred over codes when the
// join origin is not manual entry.
func (c *Controller) JoinPartyByToken(token string) {
	c.startJoin(func(ctx context.Context) (*Party, error) {
		return c.dir.JoinByToken(ctx, token)
	})
}

func (c *Controller) startJoin(join func(ctx context.Context) (*Party, error)) {
	c.post(func() {
		if c.state != StateIdle {
			c.lastErr = "already in a party"
			c.emit()
			return
		}
		c.state = StateJoining
		c.lastErr = ""
		c.emit()
		g := c.gen
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			p, err := join(ctx)
			c.post(func() { c.finishStart(g, StateJoining, p, err) })
		}()
	})
}

// finishStart completes an optimistic Creating/Joining transition: rollback
// to Idle on failure, otherwise enter Joined.
func (c *Controller) finishStart(g uint64, from State, p *Party, err error) {
	if c.gen != g || c.state != from {
		return // torn down while the call was in flight
	}
	if err != nil {
		c.state = StateIdle
		c.lastErr = humanize(err)
		c.emit()
		return
	}
	c.enterJoined(p)
}

func (c *Controller) enterJoined(p *Party) {
	c.party = p
	c.role = RoleMember
	if p.HostID == c.userID {
		c.role = RoleHost
	}
	c.state = StateJoined
	c.lastErr = ""
	c.roster = map[string]*rosterEntry{c.userID: {userID: c.userID}}
	c.pendingLoc = nil
	c.lastPub = time.Time{}
	g := c.gen

	cancel, err := c.tr.Subscribe(topicFor(p), func(ev Event) {
		c.post(func() {
			if c.gen != g || c.state != StateJoined {
				return // session torn down; late messages never mutate state
			}
			c.handleEvent(ev)
		})
	})
	if err != nil {
		c.logger.Warn("subscribe failed", zap.Error(err))
		c.teardown()
		c.state = StateIdle
		c.lastErr = humanize(ErrNetworkFailure)
		c.emit()
		return
	}
	c.unsub = cancel

	// TTL watchdog: leave automatically when the party expires.
	d := p.ExpiresAt.Sub(c.now())
	if d <= 0 {
		c.leaveNow()
		return
	}
	c.watchdog = time.AfterFunc(d, func() {
		c.post(func() {
			if c.gen == g && c.state == StateJoined {
				c.leaveNow()
			}
		})
	})

	c.resolver.want(g, c.userID)

	// Seed the roster from the authoritative member list; best effort, the
	// broadcast stream fills any gap.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		ids, err := c.dir.Members(ctx, p.ID)
		if err != nil {
			return
		}
		c.post(func() {
			if c.gen != g || c.state != StateJoined {
				return
			}
			c.seedRoster(ids)
		})
	}()

	c.emit()
}

// seedRoster merges authoritative member ids, then reconciles capacity.
func (c *Controller) seedRoster(ids []string) {
	g := c.gen
	for _, id := range ids {
		if id == c.userID {
			continue
		}
		if _, ok := c.roster[id]; !ok {
			c.roster[id] = &rosterEntry{userID: id}
			c.resolver.want(g, id)
		}
	}
	c.enforceCap()
	c.emit()
}

func (c *Controller) handleEvent(ev Event) {
	switch ev.Name {
	case "location":
		var msg locationMessage
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		c.handleLocation(msg)
	case "roster_locations":
		var msgs []locationMessage
		if err := json.Unmarshal(ev.Data, &msgs); err != nil {
			return
		}
		for _, msg := range msgs {
			c.handleLocation(msg)
		}
	case "member_left":
		var msg struct {
			UserID string `json:"user_id"`
		}
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return
		}
		if msg.UserID == c.userID {
			// Authoritative: this user was removed (e.g. joined elsewhere).
			c.teardown()
			c.state = StateIdle
			c.emit()
			return
		}
		if _, ok := c.roster[msg.UserID]; ok {
			delete(c.roster, msg.UserID)
			c.resolver.forget(msg.UserID)
			c.emit()
		}
	case "party_ended":
		c.teardown()
		c.state = StateIdle
		c.emit()
	}
}

func (c *Controller) handleLocation(msg locationMessage) {
	if msg.UserID == c.userID {
		return // own echo
	}
	e, ok := c.roster[msg.UserID]
	if !ok {
		if c.remoteCount() >= c.cfg.MaxMembers-1 {
			// Full: the update is dropped. Nobody already in the roster is
			// evicted to make room for a later arrival.
			return
		}
		e = &rosterEntry{userID: msg.UserID}
		c.roster[msg.UserID] = e
		c.resolver.want(c.gen, msg.UserID)
	}
	at := c.now()
	if msg.At > 0 {
		at = time.UnixMilli(msg.At)
	}
	e.loc = &Location{Lat: msg.Lat, Lon: msg.Lon, UpdatedAt: at}
	c.emit()
}

func (c *Controller) remoteCount() int {
	n := len(c.roster)
	if _, ok := c.roster[c.userID]; ok {
		n--
	}
	return n
}

// enforceCap resolves a momentarily over-cap roster: keep the
// lexicographically smallest remote ids so the result is independent of
// arrival timing, purge evicted members' location and profile.
func (c *Controller) enforceCap() {
	limit := c.cfg.MaxMembers - 1
	if c.remoteCount() <= limit {
		return
	}
	remote := make([]string, 0, len(c.roster))
	for id := range c.roster {
		if id != c.userID {
			remote = append(remote, id)
		}
	}
	sort.Strings(remote)
	for _, id := range remote[limit:] {
		delete(c.roster, id)
		c.resolver.forget(id)
	}
}

// UpdateLocation records the device's own position. Broadcast is throttled to
// at most one publish per interval; faster updates coalesce to the latest
// value and the rest are dropped, not queued.
func (c *Controller) UpdateLocation(lat, lon float64) {
	c.post(func() {
		if c.state != StateJoined {
			return
		}
		loc := &Location{Lat: lat, Lon: lon, UpdatedAt: c.now()}
		c.pendingLoc = loc
		if e := c.roster[c.userID]; e != nil {
			e.loc = loc
		}
		c.maybePublish()
		c.emit()
	})
}

func (c *Controller) maybePublish() {
	if c.pendingLoc == nil || c.state != StateJoined {
		return
	}
	now := c.now()
	if now.Sub(c.lastPub) >= c.cfg.PublishInterval {
		c.publishPending(now)
		return
	}
	if c.pubTimer != nil {
		return // trailing publish already scheduled
	}
	g := c.gen
	d := c.cfg.PublishInterval - now.Sub(c.lastPub)
	c.pubTimer = time.AfterFunc(d, func() {
		c.post(func() {
			if c.gen != g {
				return
			}
			c.pubTimer = nil
			c.maybePublish()
		})
	})
}

func (c *Controller) publishPending(now time.Time) {
	msg := locationMessage{
		UserID: c.userID,
		Lat:    c.pendingLoc.Lat,
		Lon:    c.pendingLoc.Lon,
		At:     now.UnixMilli(),
	}
	topic := topicFor(c.party)
	c.pendingLoc = nil
	c.lastPub = now
	go func() {
		if err := c.tr.Publish(topic, "location", msg); err != nil {
			c.logger.Debug("publish location", zap.Error(err))
		}
	}()
}

// LeaveParty leaves the current party. Safe to call repeatedly.
func (c *Controller) LeaveParty() {
	c.post(func() {
		if c.state != StateJoined {
			return
		}
		c.leaveNow()
	})
}

// leaveNow runs the teardown discipline and confirms with the directory.
// Local state is already consistent when the (idempotent) call goes out.
func (c *Controller) leaveNow() {
	partyID := c.party.ID
	c.state = StateLeaving
	c.teardown()
	c.emit()
	g := c.gen
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		err := c.dir.Leave(ctx, partyID)
		c.post(func() { c.finishLeave(g, err) })
	}()
}

// EndParty terminates the party for everyone. Host-only.
func (c *Controller) EndParty() {
	c.post(func() {
		if c.state != StateJoined {
			return
		}
		if c.role != RoleHost {
			c.lastErr = humanize(ErrPermissionDenied)
			c.emit()
			return
		}
		partyID := c.party.ID
		c.state = StateLeaving
		c.teardown()
		c.emit()
		g := c.gen
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			err := c.dir.End(ctx, partyID)
			c.post(func() { c.finishLeave(g, err) })
		}()
	})
}

func (c *Controller) finishLeave(g uint64, err error) {
	if c.gen != g || c.state != StateLeaving {
		return
	}
	c.state = StateIdle
	if err != nil {
		c.lastErr = humanize(err)
	}
	c.emit()
}

// RegenCode replaces the join code. Host-only; the topic key (join token)
// does not change, so existing members are unaffected.
func (c *Controller) RegenCode() {
	c.post(func() {
		if c.state != StateJoined {
			return
		}
		if c.role != RoleHost {
			c.lastErr = humanize(ErrPermissionDenied)
			c.emit()
			return
		}
		g := c.gen
		partyID := c.party.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			p, err := c.dir.RegenCode(ctx, partyID)
			c.post(func() {
				if c.gen != g || c.state != StateJoined {
					return
				}
				if err != nil {
					c.lastErr = humanize(err)
					c.emit()
					return
				}
				c.party.JoinCode = p.JoinCode
				c.emit()
			})
		}()
	})
}

// teardown cancels the TTL watchdog and any scheduled publish, unsubscribes
// from the topic, bumps the session generation (so in-flight completions and
// late profile batches are discarded), and clears roster and cache.
// Idempotent: calling it on an already-clean controller changes nothing.
func (c *Controller) teardown() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
	if c.pubTimer != nil {
		c.pubTimer.Stop()
		c.pubTimer = nil
	}
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.gen++
	c.party = nil
	c.role = RoleNone
	c.roster = make(map[string]*rosterEntry)
	c.pendingLoc = nil
	c.resolver.reset()
}

func (c *Controller) snapshot() Snapshot {
	members := make([]Member, 0, len(c.roster))
	for id, e := range c.roster {
		m := Member{UserID: id, IsSelf: id == c.userID}
		if e.loc != nil {
			loc := *e.loc
			m.Location = &loc
		}
		if p := c.resolver.lookup(id); p != nil {
			prof := *p
			m.Profile = &prof
		}
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UserID < members[j].UserID })

	var party *Party
	if c.party != nil {
		cp := *c.party
		party = &cp
	}
	return Snapshot{
		State:     c.state,
		Role:      c.role,
		Party:     party,
		Roster:    members,
		LastError: c.lastErr,
	}
}

func (c *Controller) emit() {
	if c.listener != nil {
		c.listener(c.snapshot())
	}
}
