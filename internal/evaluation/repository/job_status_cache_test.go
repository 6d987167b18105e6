package repository_test

import (
	"context"
	"testing"
	"time"

	"cloudeval/internal/common/cache"
	"cloudeval/internal/evaluation/model"
	"cloudeval/internal/evaluation/repository"
	appErr "cloudeval/pkg/errors"
	pkgrepo "cloudeval/pkg/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, cache.Cache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client, "")
	if err != nil {
		t.Fatalf("create cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return mr, c
}

type countingJobRepo struct {
	repository.JobRepository
	gets int
}

func (r *countingJobRepo) GetJob(ctx context.Context, jobID string) (*model.EvaluationJob, error) {
	r.gets++
	return r.JobRepository.GetJob(ctx, jobID)
}

func TestJobStatusCacheRoundTrip(t *testing.T) {
	_, c := newTestCache(t)
	statusCache := repository.NewJobStatusCache(c, time.Minute)
	ctx := context.Background()

	if _, err := statusCache.Get(ctx, "job-1"); !appErr.Is(err, appErr.EvaluationJobNotFound) {
		t.Fatalf("expected job not found, got %v", err)
	}
	job := newJob("job-1")
	job.Progress = 40
	if err := statusCache.Save(ctx, job); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	got, err := statusCache.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Progress != 40 || got.Status != model.JobStatusPending {
		t.Fatalf("unexpected snapshot: %+v", got)
	}
	if _, err := statusCache.Get(ctx, ""); !appErr.Is(err, appErr.ValidationFailed) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCachedJobRepositoryReadsThroughCache(t *testing.T) {
	mr, c := newTestCache(t)
	source := &countingJobRepo{JobRepository: repository.NewMemoryStore()}
	repo := repository.NewCachedJobRepository(source, c, time.Minute)
	ctx := context.Background()

	if err := repo.CreateJob(ctx, newJob("job-1")); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !mr.Exists(repository.JobStatusKey("job-1")) {
		t.Fatalf("expected snapshot written on create")
	}
	for i := 0; i < 3; i++ {
		if _, err := repo.GetJob(ctx, "job-1"); err != nil {
			t.Fatalf("get failed: %v", err)
		}
	}
	if source.gets != 0 {
		t.Fatalf("expected cached reads, got %d source reads", source.gets)
	}

	if _, err := repo.UpdateJobStatus(ctx, "job-1", model.JobUpdate{Status: model.JobStatusRunning}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	job, _ := repo.GetJob(ctx, "job-1")
	if job.Status != model.JobStatusRunning {
		t.Fatalf("expected running snapshot, got %s", job.Status)
	}

	if err := repo.UpdateJobProgress(ctx, "job-1", 25); err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	job, _ = repo.GetJob(ctx, "job-1")
	if job.Progress != 25 || source.gets != 1 {
		t.Fatalf("expected refreshed progress 25 with one source read, got %d and %d", job.Progress, source.gets)
	}
}

func TestCachedJobRepositoryCachesMisses(t *testing.T) {
	mr, c := newTestCache(t)
	source := &countingJobRepo{JobRepository: repository.NewMemoryStore()}
	repo := repository.NewCachedJobRepository(source, c, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := repo.GetJob(ctx, "ghost"); !pkgrepo.IsNotFoundError(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	if source.gets != 1 {
		t.Fatalf("expected one source read, got %d", source.gets)
	}
	val, _ := mr.Get(repository.JobStatusKey("ghost"))
	if val != cache.NullCacheValue {
		t.Fatalf("expected null marker, got %q", val)
	}

	// creating the job replaces the null marker
	_ = repo.CreateJob(ctx, newJob("ghost"))
	if _, err := repo.GetJob(ctx, "ghost"); err != nil {
		t.Fatalf("expected job after create, got %v", err)
	}
}
