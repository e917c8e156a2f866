package services

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hashfleet/hashfleet/internal/db"
	"github.com/hashfleet/hashfleet/internal/models"
	"github.com/hashfleet/hashfleet/internal/notify"
	"github.com/hashfleet/hashfleet/internal/repository"
	"github.com/hashfleet/hashfleet/pkg/debug"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/google/uuid"
)

// Bloom filter sizing for the duplicate-crack pre-filter. False
// positives only cost a database round trip, so the rate can be loose.
const (
	crackFilterCapacity = 1_000_000
	crackFilterFPRate   = 0.01
)

// CrackService records recovered plaintexts. Duplicate submissions are
// acknowledged without effect; the write-once plaintext and monotonic
// cracked counter are enforced by conditional updates, not by the
// filter.
type CrackService struct {
	database     *db.DB
	hashlistRepo *repository.HashListRepository
	taskRepo     *repository.TaskRepository
	attackRepo   *repository.AttackRepository
	campaignRepo *repository.CampaignRepository
	emitter      *notify.Emitter

	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewCrackService creates a new crack service
func NewCrackService(
	database *db.DB,
	hashlistRepo *repository.HashListRepository,
	taskRepo *repository.TaskRepository,
	attackRepo *repository.AttackRepository,
	campaignRepo *repository.CampaignRepository,
	emitter *notify.Emitter,
) *CrackService {
	return &CrackService{
		database:     database,
		hashlistRepo: hashlistRepo,
		taskRepo:     taskRepo,
		attackRepo:   attackRepo,
		campaignRepo: campaignRepo,
		emitter:      emitter,
		filter:       bloom.NewWithEstimates(crackFilterCapacity, crackFilterFPRate),
	}
}

// WarmFilter preloads the duplicate filter with hashes cracked since
// the given time. Called once at startup; a cold filter is only a
// performance difference, never a correctness one.
func (s *CrackService) WarmFilter(ctx context.Context, since time.Time) error {
	values, err := s.hashlistRepo.ListCrackedValuesSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to warm crack filter: %w", err)
	}

	s.mu.Lock()
	for _, v := range values {
		s.filter.AddString(v)
	}
	s.mu.Unlock()

	debug.Info("Crack filter warmed with %d entries", len(values))
	return nil
}

// CrackOutcome reports what a submission changed.
type CrackOutcome struct {
	// Applied is false for duplicate submissions.
	Applied bool
	// Remaining is the hashlist's uncracked count after the submission.
	Remaining int
	// ListCompleted is true when this submission cracked the final hash.
	ListCompleted bool
}

// seenBefore checks the bloom filter without mutating it.
func (s *CrackService) seenBefore(hashValue string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter.TestString(hashValue)
}

func (s *CrackService) remember(hashValue string) {
	s.mu.Lock()
	s.filter.AddString(hashValue)
	s.mu.Unlock()
}

// RecordCrack applies one recovered plaintext to the given hashlist.
// Unknown hashes return ErrNotFound. When the final hash of the list
// cracks, every other in-flight task on the hashlist is completed and
// its attacks and campaigns are closed out.
func (s *CrackService) RecordCrack(ctx context.Context, hashlistID int64, taskID uuid.UUID, hashValue, plaintext string) (*CrackOutcome, error) {
	// Filter says "definitely new" or "maybe seen". Maybe-seen still
	// goes to the database; the conditional update is the authority.
	maybeDuplicate := s.seenBefore(hashValue)

	item, err := s.hashlistRepo.GetItemByValue(ctx, nil, hashlistID, hashValue)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up hash: %w", err)
	}

	if maybeDuplicate && item.IsCracked {
		// Fast path confirmed: acknowledge without writes.
		hashlist, err := s.hashlistRepo.GetByID(ctx, nil, hashlistID)
		if err != nil {
			return nil, err
		}
		return &CrackOutcome{Applied: false, Remaining: hashlist.Remaining(), ListCompleted: hashlist.Remaining() == 0}, nil
	}

	outcome := &CrackOutcome{}
	err = s.database.WithTx(ctx, func(tx *sql.Tx) error {
		applied, err := s.hashlistRepo.MarkItemCracked(ctx, tx, item.ID, plaintext, time.Now())
		if err != nil {
			return err
		}
		outcome.Applied = applied

		if !applied {
			// Lost the race or duplicate; counter untouched.
			hashlist, err := s.hashlistRepo.GetByID(ctx, tx, hashlistID)
			if err != nil {
				return err
			}
			outcome.Remaining = hashlist.Remaining()
			outcome.ListCompleted = outcome.Remaining == 0
			return nil
		}

		remaining, err := s.hashlistRepo.IncrementCracked(ctx, tx, hashlistID)
		if err != nil {
			return err
		}
		outcome.Remaining = remaining
		outcome.ListCompleted = remaining == 0

		if outcome.ListCompleted {
			return s.completeHashlist(ctx, tx, hashlistID, taskID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.remember(hashValue)

	if outcome.Applied {
		if campaign := s.campaignForHashlist(ctx, hashlistID); campaign != nil {
			s.emitter.Emit(models.TriggerHashCracked, campaign.ProjectID, hashValue)
		}
	}

	return outcome, nil
}

// completeHashlist runs the completion cascade inside the crack
// transaction: every in-flight task on the hashlist (except the
// submitting one, which the caller finishes) is completed, and the
// affected attacks and campaigns are closed.
func (s *CrackService) completeHashlist(ctx context.Context, tx *sql.Tx, hashlistID int64, exceptTaskID uuid.UUID) error {
	terminated, err := s.taskRepo.TerminateNonTerminalByHashlist(ctx, tx, hashlistID, exceptTaskID)
	if err != nil {
		return err
	}

	attacks, err := s.attackRepo.ListNonTerminalByHashlist(ctx, tx, hashlistID)
	if err != nil {
		return err
	}

	campaignIDs := make(map[uuid.UUID]struct{})
	for _, attack := range attacks {
		if err := s.attackRepo.UpdateState(ctx, tx, attack.ID, models.AttackStateCompleted); err != nil {
			return err
		}
		campaignIDs[attack.CampaignID] = struct{}{}
	}

	for campaignID := range campaignIDs {
		if err := s.campaignRepo.UpdateState(ctx, tx, campaignID, models.CampaignStateCompleted); err != nil {
			return err
		}
	}

	debug.Log("Hashlist fully cracked, cascade complete", map[string]interface{}{
		"hashlist_id":      hashlistID,
		"tasks_terminated": len(terminated),
		"attacks_closed":   len(attacks),
		"campaigns_closed": len(campaignIDs),
	})
	return nil
}

// campaignForHashlist finds one campaign referencing the hashlist, for
// project-scoping crack triggers. Best effort.
func (s *CrackService) campaignForHashlist(ctx context.Context, hashlistID int64) *models.Campaign {
	attacks, err := s.attackRepo.ListNonTerminalByHashlist(ctx, nil, hashlistID)
	if err != nil || len(attacks) == 0 {
		return nil
	}
	campaign, err := s.campaignRepo.GetByID(ctx, nil, attacks[0].CampaignID)
	if err != nil {
		return nil
	}
	return campaign
}
