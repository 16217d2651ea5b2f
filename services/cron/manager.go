package cron

import (
	"log"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

// CronManager manages the scheduled reconciliation sweep jobs
type CronManager struct {
	cron *cron.Cron
	db   *gorm.DB
}

// NewCronManager creates a new cron manager
func NewCronManager(db *gorm.DB) *CronManager {
	// Create cron with seconds precision
	c := cron.New(cron.WithSeconds())

	return &CronManager{
		cron: c,
		db:   db,
	}
}

// Start starts all cron jobs
func (m *CronManager) Start() error {
	log.Println("Starting cron jobs...")

	if err := m.registerJobs(); err != nil {
		return err
	}

	m.cron.Start()

	log.Println("Cron jobs started successfully")
	return nil
}

// Stop stops all cron jobs
func (m *CronManager) Stop() {
	log.Println("Stopping cron jobs...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("Cron jobs stopped")
}

// registerJobs registers all cron jobs with their schedules
func (m *CronManager) registerJobs() error {
	// Every 15 minutes: sweep stale unconsumed orders
	_, err := m.cron.AddFunc("0 */15 * * * *", func() {
		m.logJobStart("sweep_stale_orders")
		m.SweepStaleOrders()
	})
	if err != nil {
		return err
	}

	// Every hour: flag recorded-but-unapplied verification attempts
	_, err = m.cron.AddFunc("0 0 * * * *", func() {
		m.logJobStart("check_unapplied_attempts")
		m.CheckUnappliedAttempts()
	})
	if err != nil {
		return err
	}

	return nil
}

func (m *CronManager) logJobStart(jobName string) {
	log.Printf("[CRON] Starting job: %s", jobName)
}

func (m *CronManager) logJobComplete(jobName string, message string) {
	log.Printf("[CRON] Completed job: %s - %s", jobName, message)
}

func (m *CronManager) logJobError(jobName string, err error) {
	log.Printf("[CRON] Job %s failed: %v", jobName, err)
}
