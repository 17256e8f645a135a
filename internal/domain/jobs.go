package domain

import (
	"context"
	"time"
)

// ProcessCause описывает источник запроса на внеплановый прогон.
type ProcessCause string

const (
	// ProcessCauseManual — оператор запросил обработку очереди вручную.
	ProcessCauseManual ProcessCause = "manual"
	// ProcessCauseBridge — мост поставил пост и просит обработать слот.
	ProcessCauseBridge ProcessCause = "bridge"
)

// ProcessJob — задача «обработать очередь сейчас» для одного слота.
type ProcessJob struct {
	Slot        string       `json:"slot"`
	Cause       ProcessCause `json:"cause"`
	RequestedAt time.Time    `json:"requested_at"`
}

// ProcessQueue доставляет задачи внепланового прогона от api к планировщику.
type ProcessQueue interface {
	Enqueue(ctx context.Context, job ProcessJob) error
	// Pop блокирующе читает следующую задачу.
	Pop(ctx context.Context) (ProcessJob, error)
}
