package identity

import (
	"context"
	"fmt"
	"time"

	"acquire/internal/domain"
	"acquire/internal/infra/objstore"
)

const (
	lockoutThreshold = 3
	lockoutMaxDelay  = time.Hour
)

// lockoutRecord counts consecutive failed logins for one user.
type lockoutRecord struct {
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure"`
}

// lockoutDelay doubles per failure beyond the threshold, capped at an hour.
func lockoutDelay(failures int) time.Duration {
	if failures < lockoutThreshold {
		return 0
	}
	shift := failures - lockoutThreshold
	if shift > 12 {
		shift = 12
	}
	delay := time.Second << shift
	if delay > lockoutMaxDelay {
		delay = lockoutMaxDelay
	}
	return delay
}

func (s *Service) checkLockout(ctx context.Context, userUID string) error {
	var rec lockoutRecord
	err := objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, lockoutKeyPrefix+userUID, &rec)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	delay := lockoutDelay(rec.Failures)
	if delay == 0 {
		return nil
	}
	until := rec.LastFailure.Add(delay)
	if s.now().Before(until) {
		return fmt.Errorf("%w: too many failed logins, retry after %s",
			domain.ErrLocked, until.UTC().Format(time.RFC3339))
	}
	return nil
}

// recordFailure and clearLockout are best effort. A lost write weakens the
// counter for one attempt, nothing more.
func (s *Service) recordFailure(ctx context.Context, userUID string) {
	var rec lockoutRecord
	_ = objstore.GetJSON(ctx, s.Svc.Store, s.Svc.Bucket, lockoutKeyPrefix+userUID, &rec)
	rec.Failures++
	rec.LastFailure = s.now().UTC()
	_ = objstore.SetJSON(ctx, s.Svc.Store, s.Svc.Bucket, lockoutKeyPrefix+userUID, rec)
}

func (s *Service) clearLockout(ctx context.Context, userUID string) {
	_ = s.Svc.Store.DeleteObject(ctx, s.Svc.Bucket, lockoutKeyPrefix+userUID)
}
