package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/LENAX/asset-flow/pkg/core/types"
	"github.com/LENAX/asset-flow/pkg/logging"
)

var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule 校验秒级 cron 表达式
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return types.NewValidationError("rules.schedule", fmt.Sprintf("Cron表达式无效: %v", err))
	}
	return nil
}

// Publisher 定时任务触发时投递合成事件
type Publisher func(ctx context.Context, ev types.DomainEvent) error

type scheduledEntry struct {
	id       cron.EntryID
	schedule string
}

// Scheduler 为 ScheduledInterval 规则维护定时任务（对外导出）
type Scheduler struct {
	cron    *cron.Cron
	publish Publisher
	entries map[string]scheduledEntry // ruleID -> 定时任务
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	log     *logrus.Entry
}

// NewScheduler 创建定时调度器，loc 为空时使用本地时区
func NewScheduler(publish Publisher, loc *time.Location) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		cron:    cron.New(cron.WithParser(scheduleParser), cron.WithLocation(loc)),
		publish: publish,
		entries: make(map[string]scheduledEntry),
		ctx:     ctx,
		cancel:  cancel,
		log:     logging.WithModule("scheduler"),
	}
}

// Sync 使定时任务与给定的活动规则集一致
func (s *Scheduler) Sync(rules []*types.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]*types.AutomationRule, len(rules))
	for _, r := range rules {
		if r.Active && r.TriggerType == types.TriggerScheduledInterval && r.Schedule != "" {
			wanted[r.ID] = r
		}
	}
	for id, entry := range s.entries {
		if r, ok := wanted[id]; !ok || r.Schedule != entry.schedule {
			s.cron.Remove(entry.id)
			delete(s.entries, id)
			s.log.WithField("rule_id", id).Info("[定时调度] 已移除定时任务")
		}
	}

	var firstErr error
	for id, r := range wanted {
		if _, ok := s.entries[id]; ok {
			continue
		}
		ruleID, ruleName := r.ID, r.Name
		entryID, err := s.cron.AddFunc(r.Schedule, func() { s.fire(ruleID, ruleName) })
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("添加规则 %s 的定时任务失败: %w", ruleName, err)
			}
			continue
		}
		s.entries[id] = scheduledEntry{id: entryID, schedule: r.Schedule}
		s.log.WithFields(logrus.Fields{"rule_id": id, "schedule": r.Schedule}).Info("✅ [定时调度] 已注册定时任务")
	}
	return firstErr
}

// fire 投递一条只针对该规则的合成事件
func (s *Scheduler) fire(ruleID, ruleName string) {
	if s.ctx.Err() != nil {
		return
	}
	ev := types.DomainEvent{
		Type:    types.TriggerScheduledInterval,
		Source:  "scheduler",
		Actor:   "scheduler",
		RuleID:  ruleID,
		Payload: map[string]any{"rule_id": ruleID, "rule_name": ruleName},
	}
	if err := s.publish(s.ctx, ev); err != nil {
		s.log.WithField("rule_id", ruleID).WithError(err).Error("❌ [定时调度] 投递定时事件失败")
	}
}

// Entries 已注册的规则ID
func (s *Scheduler) Entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// Start 启动定时调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("✅ [定时调度] 已启动")
}

// Stop 停止调度器并等待运行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.log.Info("✅ [定时调度] 已停止")
}
