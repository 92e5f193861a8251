package store

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/internal/profile"
	"github.com/hrygo/branchtalk/store/cache"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver

	cacheConfig cache.Config

	userCache         *cache.Cache
	conversationCache *cache.Cache

	// versions is the per-conversation mutation counter consumed by the tree
	// projection cache. Incremented on every tree or conversation mutation.
	versionMu sync.Mutex
	versions  map[string]uint64
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	cacheConfig := cache.Config{
		DefaultTTL:      10 * time.Minute,
		CleanupInterval: 5 * time.Minute,
		MaxItems:        1000,
	}

	return &Store{
		driver:            driver,
		profile:           profile,
		cacheConfig:       cacheConfig,
		userCache:         cache.New(cacheConfig),
		conversationCache: cache.New(cacheConfig),
		versions:          make(map[string]uint64),
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) Close() error {
	s.userCache.Close()
	s.conversationCache.Close()
	return s.driver.Close()
}

// Version returns the mutation counter for a conversation. Projections cached
// under an older version must be recomputed.
func (s *Store) Version(conversationID string) uint64 {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	return s.versions[conversationID]
}

func (s *Store) bumpVersion(conversationID string) {
	s.versionMu.Lock()
	s.versions[conversationID]++
	s.versionMu.Unlock()
	s.conversationCache.Delete(conversationID)
}

func (s *Store) CreateConversation(ctx context.Context, create *Conversation) (*Conversation, error) {
	conversation, err := s.driver.CreateConversation(ctx, create)
	if err != nil {
		return nil, err
	}
	s.bumpVersion(conversation.ID)
	return conversation, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	if v, ok := s.conversationCache.Get(id); ok {
		return v.(*Conversation), nil
	}
	conversation, err := s.driver.GetConversation(ctx, id)
	if err != nil {
		return nil, err
	}
	s.conversationCache.Set(id, conversation)
	return conversation, nil
}

func (s *Store) ListConversations(ctx context.Context, find *FindConversation) ([]*Conversation, error) {
	return s.driver.ListConversations(ctx, find)
}

func (s *Store) UpdateConversation(ctx context.Context, update *UpdateConversation) (*Conversation, error) {
	conversation, err := s.driver.UpdateConversation(ctx, update)
	if err != nil {
		return nil, err
	}
	s.bumpVersion(update.ID)
	return conversation, nil
}

func (s *Store) CreateParticipant(ctx context.Context, create *Participant) (*Participant, error) {
	return s.driver.CreateParticipant(ctx, create)
}

func (s *Store) GetParticipant(ctx context.Context, id string) (*Participant, error) {
	return s.driver.GetParticipant(ctx, id)
}

func (s *Store) GetConversationParticipants(ctx context.Context, conversationID string) ([]*Participant, error) {
	return s.driver.ListParticipants(ctx, conversationID)
}

func (s *Store) CreateMessage(ctx context.Context, create *CreateMessage) (*Message, error) {
	message, err := s.driver.CreateMessage(ctx, create)
	if err != nil {
		return nil, err
	}
	s.bumpVersion(message.ConversationID)
	return message, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	return s.driver.GetMessage(ctx, id)
}

func (s *Store) GetConversationMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	return s.driver.ListMessages(ctx, conversationID)
}

func (s *Store) AddMessageBranch(ctx context.Context, messageID string, branch *Branch) error {
	message, err := s.driver.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.driver.AddMessageBranch(ctx, messageID, branch); err != nil {
		return err
	}
	s.bumpVersion(message.ConversationID)
	return nil
}

func (s *Store) UpdateMessageContent(ctx context.Context, messageID, branchID, content string, blocks []ContentBlock) error {
	message, err := s.driver.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.driver.UpdateMessageContent(ctx, messageID, branchID, content, blocks); err != nil {
		return err
	}
	s.bumpVersion(message.ConversationID)
	return nil
}

func (s *Store) UpdateMessageBranch(ctx context.Context, update *UpdateBranch) error {
	message, err := s.driver.GetMessage(ctx, update.MessageID)
	if err != nil {
		return err
	}
	if err := s.driver.UpdateMessageBranch(ctx, update); err != nil {
		return err
	}
	s.bumpVersion(message.ConversationID)
	return nil
}

func (s *Store) SetActiveBranch(ctx context.Context, messageID, branchID string) error {
	message, err := s.driver.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if message.Branch(branchID) == nil {
		return errors.Wrapf(ErrNotFound, "branch %s on message %s", branchID, messageID)
	}
	if err := s.driver.SetActiveBranch(ctx, messageID, branchID); err != nil {
		return err
	}
	s.bumpVersion(message.ConversationID)
	return nil
}

// DeleteMessageBranch deletes a branch and cascades to every descendant
// branch. Messages left with no branches are removed; the ids of removed
// messages are returned. When a surviving message loses its active branch,
// the last remaining sibling becomes active.
func (s *Store) DeleteMessageBranch(ctx context.Context, messageID, branchID string) ([]string, error) {
	target, err := s.driver.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if target.Branch(branchID) == nil {
		return nil, errors.Wrapf(ErrNotFound, "branch %s on message %s", branchID, messageID)
	}

	messages, err := s.driver.ListMessages(ctx, target.ConversationID)
	if err != nil {
		return nil, err
	}

	// Transitive closure of branches parented (directly or not) at the target.
	doomed := map[string]bool{branchID: true}
	for {
		grew := false
		for _, m := range messages {
			for _, b := range m.Branches {
				if doomed[b.ID] {
					continue
				}
				if doomed[b.ParentBranchID] {
					doomed[b.ID] = true
					grew = true
				}
			}
		}
		if !grew {
			break
		}
	}

	deletedMessages := []string{}
	for _, m := range messages {
		var dead, alive []*Branch
		for _, b := range m.Branches {
			if doomed[b.ID] {
				dead = append(dead, b)
			} else {
				alive = append(alive, b)
			}
		}
		if len(dead) == 0 {
			continue
		}
		if len(alive) == 0 {
			if err := s.driver.DeleteMessage(ctx, m.ID); err != nil {
				return nil, err
			}
			deletedMessages = append(deletedMessages, m.ID)
			continue
		}
		for _, b := range dead {
			if err := s.driver.DeleteBranch(ctx, m.ID, b.ID); err != nil {
				return nil, err
			}
		}
		if doomed[m.ActiveBranchID] {
			if err := s.driver.SetActiveBranch(ctx, m.ID, alive[len(alive)-1].ID); err != nil {
				return nil, err
			}
		}
	}

	s.bumpVersion(target.ConversationID)
	return deletedMessages, nil
}

func (s *Store) CreateUser(ctx context.Context, create *User) (*User, error) {
	return s.driver.CreateUser(ctx, create)
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*User, error) {
	if v, ok := s.userCache.Get(id); ok {
		return v.(*User), nil
	}
	user, err := s.driver.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.userCache.Set(id, user)
	return user, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.driver.GetUserByUsername(ctx, username)
}

func (s *Store) GetAccessToken(ctx context.Context, id string) (*AccessToken, error) {
	return s.driver.GetAccessToken(ctx, id)
}

func (s *Store) CreateAccessToken(ctx context.Context, create *AccessToken) (*AccessToken, error) {
	return s.driver.CreateAccessToken(ctx, create)
}

func (s *Store) GetUserAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	return s.driver.ListUserAPIKeys(ctx, userID)
}

func (s *Store) GetUserGrantSummary(ctx context.Context, userID string) (*GrantSummary, error) {
	return s.driver.GetUserGrantSummary(ctx, userID)
}

func (s *Store) DebitGrant(ctx context.Context, userID, currency string, amount float64) error {
	return s.driver.DebitGrant(ctx, userID, currency, amount)
}

func (s *Store) UserHasActiveGrantCapability(ctx context.Context, userID, capability string) (bool, error) {
	return s.driver.UserHasCapability(ctx, userID, capability)
}

func (s *Store) CanUserChatInConversation(ctx context.Context, conversationID, userID string) (bool, error) {
	permission, err := s.driver.GetPermission(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}
	return permission.CanChat, nil
}

func (s *Store) CanUserDeleteInConversation(ctx context.Context, conversationID, userID string) (bool, error) {
	permission, err := s.driver.GetPermission(ctx, conversationID, userID)
	if err != nil {
		return false, err
	}
	return permission.CanDelete, nil
}

func (s *Store) IsUserAgeVerified(ctx context.Context, userID string) (bool, error) {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return false, err
	}
	return user.AgeVerified, nil
}

func (s *Store) GetUIState(ctx context.Context, userID, conversationID string) (*UIState, error) {
	return s.driver.GetUIState(ctx, userID, conversationID)
}

func (s *Store) UpsertUIState(ctx context.Context, state *UIState) error {
	return s.driver.UpsertUIState(ctx, state)
}

func (s *Store) AddMetrics(ctx context.Context, metric *UsageMetric) error {
	return s.driver.AddUsageMetric(ctx, metric)
}
