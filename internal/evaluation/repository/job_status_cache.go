package repository

import (
	"context"
	"time"

	"cloudeval/internal/common/cache"
	"cloudeval/internal/evaluation/model"
	appErr "cloudeval/pkg/errors"
	pkgrepo "cloudeval/pkg/repository"
)

const (
	jobStatusKeyPrefix = "evaluation:job:"

	defaultJobStatusTTL   = 30 * time.Minute
	defaultJobNotFoundTTL = 30 * time.Second
)

// JobStatusKey returns the cache key holding the snapshot of a job.
func JobStatusKey(jobID string) string {
	return jobStatusKeyPrefix + jobID
}

var jobCodec = cache.JSONCodec[*model.EvaluationJob]()

// JobStatusCache keeps JSON snapshots of evaluation jobs in Redis.
type JobStatusCache struct {
	cache cache.Cache
	TTL   time.Duration
}

// NewJobStatusCache creates a snapshot cache. A zero ttl uses the default.
func NewJobStatusCache(cacheClient cache.Cache, ttl time.Duration) *JobStatusCache {
	if ttl <= 0 {
		ttl = defaultJobStatusTTL
	}
	return &JobStatusCache{cache: cacheClient, TTL: ttl}
}

// Get returns the cached snapshot of a job.
func (c *JobStatusCache) Get(ctx context.Context, jobID string) (*model.EvaluationJob, error) {
	if jobID == "" {
		return nil, appErr.ValidationError("job_id", "required")
	}
	if c.cache == nil {
		return nil, appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	val, err := c.cache.Get(ctx, JobStatusKey(jobID))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "load job status failed")
	}
	if val == "" || val == cache.NullCacheValue {
		return nil, appErr.New(appErr.EvaluationJobNotFound)
	}
	job, err := jobCodec.Unmarshal(val)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.CacheError, "decode job status failed")
	}
	return job, nil
}

// Save stores the snapshot of job.
func (c *JobStatusCache) Save(ctx context.Context, job *model.EvaluationJob) error {
	if job == nil || job.ID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if c.cache == nil {
		return appErr.New(appErr.CacheError).WithMessage("cache client is not initialized")
	}
	data, err := jobCodec.Marshal(job)
	if err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "encode job status failed")
	}
	if err := c.cache.Set(ctx, JobStatusKey(job.ID), data, cache.JitterTTL(c.TTL)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "store job status failed")
	}
	return nil
}

// Invalidate drops the snapshot of a job.
func (c *JobStatusCache) Invalidate(ctx context.Context, jobID string) error {
	if c.cache == nil {
		return nil
	}
	if err := c.cache.Del(ctx, JobStatusKey(jobID)); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "invalidate job status failed")
	}
	return nil
}

// CachedJobRepository reads jobs through Redis and writes through to it.
// Cache failures never fail the underlying operation.
type CachedJobRepository struct {
	JobRepository
	cache  cache.Cache
	reader cache.ReadThrough[*model.EvaluationJob]
	ttl    time.Duration
}

// NewCachedJobRepository decorates next with the job snapshot cache.
func NewCachedJobRepository(next JobRepository, cacheClient cache.Cache, ttl time.Duration) *CachedJobRepository {
	if ttl <= 0 {
		ttl = defaultJobStatusTTL
	}
	return &CachedJobRepository{
		JobRepository: next,
		cache:         cacheClient,
		ttl:           ttl,
		reader: cache.ReadThrough[*model.EvaluationJob]{
			Cache:    cacheClient,
			Codec:    jobCodec,
			TTL:      ttl,
			EmptyTTL: defaultJobNotFoundTTL,
			IsEmpty:  func(j *model.EvaluationJob) bool { return j == nil },
		},
	}
}

func (r *CachedJobRepository) CreateJob(ctx context.Context, job *model.EvaluationJob) error {
	if err := r.JobRepository.CreateJob(ctx, job); err != nil {
		return err
	}
	r.store(ctx, job)
	return nil
}

func (r *CachedJobRepository) GetJob(ctx context.Context, jobID string) (*model.EvaluationJob, error) {
	job, err := r.reader.Get(ctx, JobStatusKey(jobID), func(ctx context.Context) (*model.EvaluationJob, error) {
		j, err := r.JobRepository.GetJob(ctx, jobID)
		if pkgrepo.IsNotFoundError(err) {
			return nil, nil
		}
		return j, err
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, pkgrepo.ErrNotFound
	}
	return job, nil
}

func (r *CachedJobRepository) UpdateJobStatus(ctx context.Context, jobID string, update model.JobUpdate) (*model.EvaluationJob, error) {
	job, err := r.JobRepository.UpdateJobStatus(ctx, jobID, update)
	if err != nil {
		return nil, err
	}
	r.store(ctx, job)
	return job, nil
}

func (r *CachedJobRepository) UpdateJobProgress(ctx context.Context, jobID string, progress int) error {
	if err := r.JobRepository.UpdateJobProgress(ctx, jobID, progress); err != nil {
		return err
	}
	_ = r.cache.Del(ctx, JobStatusKey(jobID))
	return nil
}

func (r *CachedJobRepository) store(ctx context.Context, job *model.EvaluationJob) {
	if job == nil {
		return
	}
	if data, err := jobCodec.Marshal(job); err == nil {
		_ = r.cache.Set(ctx, JobStatusKey(job.ID), data, cache.JitterTTL(r.ttl))
	}
}
