package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/retry"
)

// Processor turns upload jobs into pushed images.
type Processor struct {
	DB          Database                      // required
	Pipelines   *Pipelines                    // required
	Images      ImageNamer                    // required
	MaxAttempts int                           // optional, default 3
	RetryWait   func(retry int) time.Duration // optional, default retry.WaitDuration
}

// Process builds the version job refers to and marks it built.
//
// Failures that happen before the first step starts, like an unknown upload
// type or a missing version, are returned without touching the version.
// Runs whose failure is retryable are repeated up to MaxAttempts times.
// When the last attempt fails, an error entry is appended to the version log.
func (p *Processor) Process(ctx context.Context, job *Job) error {
	steps, err := p.Pipelines.Steps(job.Type)
	if err != nil {
		return fmt.Errorf("upload.Processor: %w", err)
	}

	user, err := p.DB.GetUser(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("upload.Processor: unable to find upload user %s: %w", job.UserID, err)
	}
	version, err := p.DB.GetVersion(ctx, job.VersionID)
	if err != nil {
		return fmt.Errorf("upload.Processor: unable to find version %s: %w", job.VersionID, err)
	}
	imageRef, err := p.Images.ImageRef(version.ModelName, version.Name)
	if err != nil {
		return fmt.Errorf("upload.Processor: %w", err)
	}

	unlock, err := p.DB.LockVersion(ctx, version.ID)
	if err != nil {
		return fmt.Errorf("upload.Processor: %w", err)
	}
	defer unlock()

	logger := slog.Default().With("version_id", version.ID, "user_id", user.ID, "upload_type", job.Type)

	// The version may have been built while this job waited for the lock.
	version, err = p.DB.GetVersion(ctx, version.ID)
	if err != nil {
		return fmt.Errorf("upload.Processor: %w", err)
	}
	if version.Built {
		logger.Info("version is already built")
		return nil
	}

	target := &build.Target{
		VersionID: version.ID,
		ImageRef:  imageRef,
		Builder:   version.BuildOptions.SeldonVersion,
		Blobs:     blobs(job, version),
	}
	executor := build.NewExecutor(steps...)

	var (
		run *build.Run
		res *build.Result
	)
	for attempt := 1; ; attempt++ {
		run = build.NewRun(target, p.DB)
		logger.Info("starting run", "run_id", run.ID, "attempt", attempt)

		res, err = executor.Run(ctx, run)
		if err == nil {
			break
		}
		if !res.Retryable || attempt >= p.maxAttempts() {
			break
		}

		logger.Error("retrying run", "run_id", run.ID, "attempt", attempt, "err", err)
		if sleepErr := retry.Sleep(ctx, p.retryWait(attempt-1)); sleepErr != nil {
			err = errors.Join(err, sleepErr)
			break
		}
	}

	if err != nil {
		// An interrupted job is redelivered, so its failure isn't final.
		if ctx.Err() != nil {
			run.Log.Info(context.WithoutCancel(ctx), res.FailedStep, fmt.Sprintf("build interrupted: %v", err))
			return fmt.Errorf("upload.Processor: %w", err)
		}
		run.Log.Error(ctx, res.FailedStep, fmt.Sprintf("build failed: %v", err))
		return fmt.Errorf("upload.Processor: %w", err)
	}

	if err = p.DB.MarkVersionBuilt(ctx, version.ID); err != nil {
		run.Log.Error(context.WithoutCancel(ctx), "", fmt.Sprintf("didn't mark version built: %v", err))
		return fmt.Errorf("upload.Processor: %w", err)
	}
	run.Log.Info(ctx, "", fmt.Sprintf("built %s", imageRef))
	logger.Info("built version", "run_id", run.ID, "image", imageRef)

	return nil
}

func (p *Processor) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 3 // default: 3
	}
	return p.MaxAttempts
}

func (p *Processor) retryWait(n int) time.Duration {
	if p.RetryWait == nil {
		return retry.WaitDuration(n) // default: retry.WaitDuration
	}
	return p.RetryWait(n)
}
