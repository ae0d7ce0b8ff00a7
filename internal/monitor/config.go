package monitor

import (
	"time"
)

type ErrorHandler func(err error)

type RetentionConfig struct {
	// Enabled 控制后台清理是否启用。
	Enabled bool `mapstructure:"enabled"`

	// Interval 为清理周期；启动时立即执行一次，之后每个周期执行一次。
	Interval time.Duration `mapstructure:"interval"`
	// Workers 为并发执行清理任务的数量。
	Workers int `mapstructure:"workers"`
	// BatchRows 为单次 DELETE 的最大行数，分批删除避免长时间占用写锁。
	BatchRows int `mapstructure:"batch_rows"`
	// IdleSleep 为两批删除之间的停顿，给前台的检查点写入让出数据库。
	IdleSleep time.Duration `mapstructure:"idle_sleep"`

	// KeepCheckpoints 为每个线程保留的最新检查点个数，最小为 1。
	KeepCheckpoints int `mapstructure:"keep_checkpoints"`
	// KeepAuditDays 为审计记录的保留天数；<=0 表示不清理审计记录。
	KeepAuditDays int `mapstructure:"keep_audit_days"`

	// OnError 为异步错误回调；默认丢弃。
	OnError ErrorHandler `mapstructure:"-"`
}

type Config struct {
	Retention RetentionConfig `mapstructure:"retention"`
}

func DefaultConfig() Config {
	return Config{
		Retention: RetentionConfig{
			Enabled:         true,
			Interval:        time.Hour,
			Workers:         2,
			BatchRows:       500,
			IdleSleep:       50 * time.Millisecond,
			KeepCheckpoints: 20,
			KeepAuditDays:   30,
		},
	}
}

func (c RetentionConfig) withDefaults() RetentionConfig {
	if c.Interval <= 0 {
		c.Interval = time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchRows <= 0 {
		c.BatchRows = 500
	}
	if c.KeepCheckpoints < 1 {
		c.KeepCheckpoints = 1
	}
	if c.OnError == nil {
		c.OnError = func(error) {}
	}
	return c
}

// AuditCutoff 返回审计记录的清理截止时间；ok 为 false 表示不清理。
func (c RetentionConfig) AuditCutoff(now time.Time) (time.Time, bool) {
	if c.KeepAuditDays <= 0 {
		return time.Time{}, false
	}
	return now.Add(-time.Duration(c.KeepAuditDays) * 24 * time.Hour), true
}
