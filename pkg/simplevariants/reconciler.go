package simplevariants

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// reconciler compares what an entitlement grants with what is stored and
// submits generation units for the difference.
type reconciler struct {
	repository   Repository
	entitlements *entitlementModel
	pool         *pool
	generator    *generator
	listing      *listing
	policy       DowngradePolicy
	fanOut       int
	events       EventSink
	metrics      *Metrics
	clock        Clock
	logger       *slog.Logger
}

// reconcileImage submits one unit per size in target that is not stored.
// Under DowngradeRemove it also deletes stored sizes that target does not
// grant.
func (r *reconciler) reconcileImage(ctx context.Context, imageID uuid.UUID, target Entitlement) (*DeltaResult, error) {
	result, existing, err := r.queueMissing(ctx, imageID, target.SizeClasses)
	if err != nil {
		return result, err
	}

	if r.policy == DowngradeRemove {
		for _, size := range existing.Difference(target.SizeClasses).Sorted() {
			removed, err := r.generator.remove(ctx, imageID, size)
			if err != nil {
				return result, &ImageError{ImageID: imageID, Op: "remove_variant", Err: err}
			}
			if removed {
				result.Removed++
			}
		}
	}

	r.logger.DebugContext(ctx, "image reconciled", "image_id", imageID, "missing", result.Missing, "removed", result.Removed)
	return result, nil
}

// queueMissing submits a unit for every granted size the image lacks. A unit
// already pending for the same (image, size) is not queued twice. It returns
// the stored sizes it compared against.
func (r *reconciler) queueMissing(ctx context.Context, imageID uuid.UUID, granted SizeSet) (*DeltaResult, SizeSet, error) {
	existing, err := r.repository.ListSizeClasses(ctx, imageID)
	if err != nil {
		return nil, nil, &ImageError{ImageID: imageID, Op: "reconcile", Err: err}
	}

	result := &DeltaResult{ImageID: imageID, Missing: granted.Difference(existing).Sorted()}
	for _, size := range result.Missing {
		queued, err := r.pool.submit(ctx, generationTask{imageID: imageID, size: size})
		if err != nil {
			return result, existing, &ImageError{ImageID: imageID, Op: "submit_generation", Err: err}
		}
		if queued {
			result.Submitted++
			r.metrics.ReconcileSubmitted.Inc()
		}
	}
	return result, existing, nil
}

// repairImage queues whatever granted holds but the image lacks, on a
// background goroutine. Listing builds call it so that sizes left absent by
// exhausted retries are picked up again without an explicit pass. It never
// removes variants.
func (r *reconciler) repairImage(imageID uuid.UUID, granted SizeSet) {
	err := r.pool.goBackground(func(bctx context.Context) {
		result, _, err := r.queueMissing(bctx, imageID, granted)
		if err != nil {
			r.logger.WarnContext(bctx, "variant repair failed", "image_id", imageID, "error", err)
			return
		}
		if result.Submitted > 0 {
			r.metrics.VariantRepairs.Add(float64(result.Submitted))
			r.logger.InfoContext(bctx, "absent variants requeued", "image_id", imageID, "sizes", result.Missing)
		}
	})
	if err != nil {
		r.logger.Debug("variant repair skipped", "image_id", imageID, "error", err)
	}
}

// reconcileAccount handles a plan change. Granted and Revoked come from the
// snapshot; the per-image pass always compares the fresh entitlement with
// what is stored, so sizes whose units gave up are submitted again even when
// the plan itself is unchanged. With full set the snapshot is ignored.
func (r *reconciler) reconcileAccount(ctx context.Context, accountID uuid.UUID, full bool) (*AccountDelta, error) {
	account, target, err := r.entitlements.forRead(ctx, accountID)
	if err != nil {
		return nil, err
	}

	snapshot, err := r.repository.GetSnapshot(ctx, accountID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return nil, &AccountError{AccountID: accountID, Op: "get_snapshot", Err: err}
		}
		snapshot = &EntitlementSnapshot{AccountID: accountID, Entitlement: EmptyEntitlement()}
	}

	previous := snapshot.Entitlement
	if full {
		previous = EmptyEntitlement()
	}

	delta := &AccountDelta{
		AccountID:      accountID,
		PreviousPlanID: snapshot.PlanID,
		PlanID:         account.PlanID,
		Granted:        target.SizeClasses.Difference(previous.SizeClasses).Sorted(),
		Revoked:        previous.SizeClasses.Difference(target.SizeClasses).Sorted(),
		Changed: snapshot.Version == 0 ||
			!samePlan(snapshot.PlanID, account.PlanID) ||
			!snapshot.Entitlement.Equal(target),
	}
	record := delta.Changed || full

	next := &EntitlementSnapshot{
		AccountID:   accountID,
		PlanID:      account.PlanID,
		Entitlement: target.Clone(),
		Version:     snapshot.Version,
	}

	removing := r.policy == DowngradeRemove && (full || len(delta.Revoked) > 0)
	if target.SizeClasses.Len() == 0 && !removing {
		if record {
			r.saveSnapshot(ctx, next)
			r.planChanged(ctx, delta)
		}
		return delta, nil
	}

	images, err := r.repository.ListImagesByOwner(ctx, accountID)
	if err != nil {
		return nil, &AccountError{AccountID: accountID, Op: "list_images", Err: err}
	}
	delta.Images = len(images)

	err = r.pool.goBackground(func(bctx context.Context) {
		g, gctx := errgroup.WithContext(bctx)
		g.SetLimit(r.fanOut)
		for _, image := range images {
			g.Go(func() error {
				if _, err := r.reconcileImage(gctx, image.ID, target); err != nil {
					r.logger.ErrorContext(gctx, "image reconciliation failed", "account_id", accountID, "image_id", image.ID, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()

		if !record {
			return
		}
		r.saveSnapshot(bctx, next)
		if err := r.listing.invalidate(bctx, accountID); err != nil {
			r.logger.WarnContext(bctx, "listing invalidation failed", "account_id", accountID, "error", err)
		}
		r.planChanged(bctx, delta)
	})
	if err != nil {
		return nil, &AccountError{AccountID: accountID, Op: "reconcile_account", Err: err}
	}
	return delta, nil
}

func (r *reconciler) planChanged(ctx context.Context, delta *AccountDelta) {
	if err := r.events.PlanChanged(ctx, delta); err != nil {
		r.logger.WarnContext(ctx, "plan change event failed", "account_id", delta.AccountID, "error", err)
	}
}

// saveSnapshot records what was reconciled. A lost version race is counted
// and logged; the next run starts from whichever snapshot won.
func (r *reconciler) saveSnapshot(ctx context.Context, snapshot *EntitlementSnapshot) {
	snapshot.ObservedAt = r.clock.Now()
	err := r.repository.SaveSnapshot(ctx, snapshot)
	switch {
	case err == nil:
	case errors.Is(err, ErrSnapshotConflict):
		r.metrics.SnapshotConflicts.Inc()
		r.logger.WarnContext(ctx, "entitlement snapshot changed concurrently", "account_id", snapshot.AccountID)
	default:
		r.logger.ErrorContext(ctx, "entitlement snapshot save failed", "account_id", snapshot.AccountID, "error", err)
	}
}
