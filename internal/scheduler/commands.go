package scheduler

import (
	"context"
	"strconv"
	"strings"

	"KlineVault/internal/model"
	"KlineVault/internal/notifier"
)

const helpText = `可用命令:
/status - 最近一次运行摘要
/runs [n] - 最近 n 次运行记录
/update - 立即执行增量更新
/help - 帮助`

// Bounds of the /runs listing.
const (
	defaultRuns = 5
	maxRuns     = 30
)

// HandleCommand answers a chat command.
func (s *Scheduler) HandleCommand(ctx context.Context, command string) string {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(command), " ")
	cmd, _, _ = strings.Cut(cmd, "@")

	switch cmd {
	case "/status":
		if last := s.LastReport(); last != nil {
			return notifier.FormatRunReport(last)
		}
		// Nothing ran in this process yet; show what earlier processes recorded.
		runs, err := s.Store.RecentRuns(ctx, 1)
		if err != nil {
			s.Logger.Errorf("load run history: %v", err)
		}
		return notifier.FormatRunHistory(runs)
	case "/runs":
		n := defaultRuns
		if v, err := strconv.Atoi(strings.TrimSpace(arg)); err == nil && v > 0 {
			n = min(v, maxRuns)
		}
		runs, err := s.Store.RecentRuns(ctx, n)
		if err != nil {
			s.Logger.Errorf("load run history: %v", err)
			return "❌ 读取运行记录失败"
		}
		return notifier.FormatRunHistory(runs)
	case "/update":
		go func() {
			if _, err := s.RunUpdateNow(s.base); err != nil {
				s.Logger.Errorf("manual update: %v", err)
			}
		}()
		return "⏳ 已开始增量更新"
	default:
		return helpText
	}
}

// LastReport returns the report of the most recent run, or nil.
func (s *Scheduler) LastReport() *model.RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Scheduler) setLast(r *model.RunReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = r
}
