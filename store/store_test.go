package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/branchtalk/internal/profile"
)

// fakeDriver implements the message subset of Driver in memory; everything
// else panics via the embedded nil interface.
type fakeDriver struct {
	Driver
	messages map[string]*Message
	order    int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{messages: make(map[string]*Message)}
}

func (d *fakeDriver) Close() error { return nil }

func (d *fakeDriver) seed(id string, active string, branches ...*Branch) *Message {
	d.order++
	m := &Message{ID: id, ConversationID: "c1", Order: d.order, Branches: branches, ActiveBranchID: active}
	d.messages[id] = m
	return m
}

func (d *fakeDriver) GetMessage(_ context.Context, id string) (*Message, error) {
	m, ok := d.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m, nil
}

func (d *fakeDriver) ListMessages(_ context.Context, conversationID string) ([]*Message, error) {
	var out []*Message
	for _, m := range d.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *fakeDriver) CreateMessage(_ context.Context, create *CreateMessage) (*Message, error) {
	return d.seed(create.ID, create.Branch.ID, create.Branch), nil
}

func (d *fakeDriver) AddMessageBranch(_ context.Context, messageID string, branch *Branch) error {
	m, ok := d.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.Branches = append(m.Branches, branch)
	return nil
}

func (d *fakeDriver) SetActiveBranch(_ context.Context, messageID, branchID string) error {
	m, ok := d.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	m.ActiveBranchID = branchID
	return nil
}

func (d *fakeDriver) DeleteBranch(_ context.Context, messageID, branchID string) error {
	m, ok := d.messages[messageID]
	if !ok {
		return ErrNotFound
	}
	var alive []*Branch
	for _, b := range m.Branches {
		if b.ID != branchID {
			alive = append(alive, b)
		}
	}
	m.Branches = alive
	return nil
}

func (d *fakeDriver) DeleteMessage(_ context.Context, messageID string) error {
	delete(d.messages, messageID)
	return nil
}

func newTestStore(d Driver) *Store {
	return New(d, &profile.Profile{Mode: "dev"})
}

func TestDeleteMessageBranchCascades(t *testing.T) {
	d := newFakeDriver()
	// Two roots on m1; each parents a reply on m2; m3 hangs off b2.
	d.seed("m1", "b1",
		&Branch{ID: "b1", ParentBranchID: RootParentID, Role: RoleUser},
		&Branch{ID: "b1x", ParentBranchID: RootParentID, Role: RoleUser},
	)
	d.seed("m2", "b2",
		&Branch{ID: "b2", ParentBranchID: "b1", Role: RoleAssistant},
		&Branch{ID: "b2x", ParentBranchID: "b1x", Role: RoleAssistant},
	)
	d.seed("m3", "b3",
		&Branch{ID: "b3", ParentBranchID: "b2", Role: RoleUser},
	)
	s := newTestStore(d)
	defer s.Close()

	deleted, err := s.DeleteMessageBranch(context.Background(), "m1", "b1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m3"}, deleted, "m3 lost its only branch")

	m1 := d.messages["m1"]
	require.Len(t, m1.Branches, 1)
	assert.Equal(t, "b1x", m1.ActiveBranchID, "the surviving sibling becomes active")

	m2 := d.messages["m2"]
	require.Len(t, m2.Branches, 1)
	assert.Equal(t, "b2x", m2.ActiveBranchID)

	_, gone := d.messages["m3"]
	assert.False(t, gone)
}

func TestDeleteMessageBranchUnknownBranch(t *testing.T) {
	d := newFakeDriver()
	d.seed("m1", "b1", &Branch{ID: "b1", ParentBranchID: RootParentID, Role: RoleUser})
	s := newTestStore(d)
	defer s.Close()

	_, err := s.DeleteMessageBranch(context.Background(), "m1", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVersionBumpsOnTreeMutations(t *testing.T) {
	d := newFakeDriver()
	s := newTestStore(d)
	defer s.Close()

	assert.Zero(t, s.Version("c1"))

	_, err := s.CreateMessage(context.Background(), &CreateMessage{
		ID: "m1", ConversationID: "c1",
		Branch: &Branch{ID: "b1", ParentBranchID: RootParentID, Role: RoleUser},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.Version("c1"))

	require.NoError(t, s.AddMessageBranch(context.Background(), "m1", &Branch{
		ID: "b1x", ParentBranchID: RootParentID, Role: RoleUser,
	}))
	assert.Equal(t, uint64(2), s.Version("c1"))

	require.NoError(t, s.SetActiveBranch(context.Background(), "m1", "b1x"))
	assert.Equal(t, uint64(3), s.Version("c1"))

	// Reads never bump.
	_, err = s.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.Version("c1"))
}

func TestSetActiveBranchValidatesMembership(t *testing.T) {
	d := newFakeDriver()
	d.seed("m1", "b1", &Branch{ID: "b1", ParentBranchID: RootParentID, Role: RoleUser})
	s := newTestStore(d)
	defer s.Close()

	err := s.SetActiveBranch(context.Background(), "m1", "foreign")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, "b1", d.messages["m1"].ActiveBranchID)
}
