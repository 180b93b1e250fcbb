package db

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"gorm.io/gorm"
)

// MemoryStore keeps tasks in process memory. Task state is lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	tasks *cache.Cache
	now   func() time.Time
	// last creation time handed out, keeps submission order strict
	lastCreated time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: cache.New(cache.NoExpiration, 0),
		now:   time.Now,
	}
}

func cloneTask(t Task) Task {
	if t.ID != nil {
		id := *t.ID
		t.ID = &id
	}
	if t.CreatedAt != nil {
		ts := *t.CreatedAt
		t.CreatedAt = &ts
	}
	if t.UpdatedAt != nil {
		ts := *t.UpdatedAt
		t.UpdatedAt = &ts
	}
	if t.Score != nil {
		s := *t.Score
		t.Score = &s
	}
	return t
}

func (m *MemoryStore) get(id *uuid.UUID) (Task, bool) {
	if id == nil {
		return Task{}, false
	}
	v, ok := m.tasks.Get(id.String())
	if !ok {
		return Task{}, false
	}
	return v.(Task), true
}

func (m *MemoryStore) put(t Task) {
	now := m.now()
	t.UpdatedAt = &now
	m.tasks.Set(t.ID.String(), cloneTask(t), cache.NoExpiration)
}

func (m *MemoryStore) AddTask(task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.add(task)
}

func (m *MemoryStore) AddTaskBounded(task *Task, limit int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := m.unfinished()
	if limit > 0 && count >= limit {
		return count, ErrQueueFull
	}
	return count, m.add(task)
}

func (m *MemoryStore) add(task *Task) error {
	if task.ID == nil {
		id := uuid.New()
		task.ID = &id
	}
	if _, exists := m.get(task.ID); exists {
		return gorm.ErrDuplicatedKey
	}
	now := m.now()
	if !now.After(m.lastCreated) {
		now = m.lastCreated.Add(time.Nanosecond)
	}
	m.lastCreated = now
	task.CreatedAt = &now
	task.UpdatedAt = &now
	if task.Progress == "" {
		task.Progress = ProgressStateInit.String()
	}
	m.put(*task)
	return nil
}

func (m *MemoryStore) GetTask(id *uuid.UUID) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.get(id)
	if !ok {
		return Task{}, gorm.ErrRecordNotFound
	}
	return cloneTask(t), nil
}

func (m *MemoryStore) GetNextTask(state ProgressState) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []Task
	for _, item := range m.tasks.Items() {
		t := item.Object.(Task)
		if t.Progress == state.String() {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Task{}, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(*candidates[j].CreatedAt)
	})
	return cloneTask(candidates[0]), nil
}

func (m *MemoryStore) UpdateTask(id *uuid.UUID, new Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.get(id)
	if !ok || t.Progress == ProgressStateFailed.String() {
		return nil
	}
	if new.Stages != "" {
		t.Stages = new.Stages
	}
	if new.Progress != "" {
		t.Progress = new.Progress
	}
	if new.Error != "" {
		t.Error = new.Error
	}
	if new.Score != nil {
		score := *new.Score
		t.Score = &score
	}
	m.put(t)
	return nil
}

func (m *MemoryStore) UpdateTaskProgress(id *uuid.UUID, oldProgress, newProgress ProgressState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.get(id)
	if !ok || t.Progress != oldProgress.String() {
		return ErrProgressConflict
	}
	t.Progress = newProgress.String()
	m.put(t)
	return nil
}

func (m *MemoryStore) MarkInProgressTasksAsFailed() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.tasks.Items() {
		t := item.Object.(Task)
		if t.Progress == ProgressStateRunning.String() {
			t.Progress = ProgressStateFailed.String()
			t.Error = "interrupted by broker restart"
			m.put(t)
		}
	}
	return nil
}

func (m *MemoryStore) UnFinishedTaskCount() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.unfinished(), nil
}

func (m *MemoryStore) unfinished() int64 {
	var count int64
	for _, item := range m.tasks.Items() {
		if !ParseProgressState(item.Object.(Task).Progress).Terminal() {
			count++
		}
	}
	return count
}
