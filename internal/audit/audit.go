// Package audit содержит эмиссию аудиторских записей по изменяющим операциям.
package audit

import "go.uber.org/zap"

// Entry описывает одну аудиторскую запись: кто, что и над какой сущностью сделал.
type Entry struct {
	ActorID  int64
	Action   string
	EntityID string
	Before   string
	After    string
	Note     string
}

// Recorder пишет аудиторские записи. Ядро только эмитирует записи и никогда их не читает.
type Recorder struct {
	logger *zap.Logger
}

// NewRecorder создаёт Recorder поверх указанного логгера.
func NewRecorder(logger *zap.Logger) *Recorder {
	return &Recorder{logger: logger.Named("audit")}
}

// Record эмитирует одну аудиторскую запись.
func (r *Recorder) Record(e Entry) {
	if r == nil || r.logger == nil {
		return
	}

	r.logger.Info(e.Action,
		zap.Int64("actor_id", e.ActorID),
		zap.String("entity_id", e.EntityID),
		zap.String("before", e.Before),
		zap.String("after", e.After),
		zap.String("note", e.Note),
	)
}
