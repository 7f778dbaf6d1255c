package job

import (
	"context"

	"github.com/xxxsen/askdoc/internal/service"
)

type SummaryBackfillJob struct {
	summaries *service.SummaryService
	batch     int
}

func NewSummaryBackfillJob(summaries *service.SummaryService, batch int) *SummaryBackfillJob {
	return &SummaryBackfillJob{summaries: summaries, batch: batch}
}

func (j *SummaryBackfillJob) Name() string {
	return "summary_backfill"
}

func (j *SummaryBackfillJob) Run(ctx context.Context) error {
	if j.summaries == nil {
		return nil
	}
	batch := j.batch
	if batch <= 0 {
		batch = 10
	}
	return j.summaries.BackfillOnce(ctx, batch)
}
