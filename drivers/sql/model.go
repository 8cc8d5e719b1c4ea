// Package sql provides a bun-based SQL Driver implementation for jobq.
package sql

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/vkryukov/jobq/job"
)

// jobModel is the normative "jobs" table row layout.
type jobModel struct {
	bun.BaseModel `bun:"table:jobs,alias:j"`

	ID        uuid.UUID `bun:"id,pk,type:uuid"`
	QueueName string    `bun:"queue_name,notnull"`
	Name      string    `bun:"name,notnull"`
	Payload   []byte    `bun:"payload,type:blob"`

	TTR      int64 `bun:"ttr,notnull"`   // nanoseconds
	Delay    int64 `bun:"delay,notnull"` // nanoseconds, as originally requested
	Priority int32 `bun:"priority,notnull,default:0"`

	PushTime   time.Time  `bun:"push_time,notnull"`
	DelayTime  *time.Time `bun:"delay_time,nullzero"`
	ReserveTime *time.Time `bun:"reserve_time,nullzero"`
	ExpireTime *time.Time `bun:"expire_time,nullzero"`
	DoneTime   *time.Time `bun:"done_time,nullzero"`

	Attempt     uint32     `bun:"attempt,notnull,default:0"`
	MaxAttempts uint32     `bun:"max_attempts,notnull,default:1"`
	Status      job.Status `bun:"status,notnull,default:1"`
	LeaseToken  int64      `bun:"lease_token,notnull,default:0"`

	ErrorMessage string `bun:"error_message,nullzero"`
}

func (m *jobModel) toJob() *job.Job {
	return &job.Job{
		ID:             m.ID,
		Name:           m.Name,
		Payload:        m.Payload,
		Priority:       m.Priority,
		DelayUntil:     m.DelayTime,
		TTR:            time.Duration(m.TTR),
		Attempt:        m.Attempt,
		MaxAttempts:    m.MaxAttempts,
		PushedAt:       m.PushTime,
		ReservedAt:     m.ReserveTime,
		LeaseExpiresAt: m.ExpireTime,
		Status:         m.Status,
		LeaseToken:     m.LeaseToken,
		FailureReason:  m.ErrorMessage,
	}
}

func fromJob(queueName string, j *job.Job) *jobModel {
	return &jobModel{
		ID:          j.ID,
		QueueName:   queueName,
		Name:        j.Name,
		Payload:     j.Payload,
		TTR:         int64(j.TTR),
		Delay:       int64(delayDuration(j)),
		Priority:    j.Priority,
		PushTime:    j.PushedAt,
		DelayTime:   j.DelayUntil,
		Attempt:     j.Attempt,
		MaxAttempts: j.MaxAttempts,
		Status:      j.Status,
	}
}

func delayDuration(j *job.Job) time.Duration {
	if j.DelayUntil == nil {
		return 0
	}
	return j.DelayUntil.Sub(j.PushedAt)
}
