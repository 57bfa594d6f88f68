// Package scheduler is the in-process keyed wake-up timer service.
//
// It owns two kinds of triggers:
//   - keyed one-shot timers (Arm/Disarm), persisted so they survive restarts;
//     a firing timer hands its payload to the task engine as a durable job
//   - named cron/interval schedules (AddSchedule), used for maintenance
//     such as the wake-up watchdog
//
// The scheduler never runs domain work inline; everything goes through the
// task engine.
package scheduler
