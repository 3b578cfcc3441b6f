// Package reminder hosts the clinic's two periodic workers.
//
// AlarmDispatcher asks the medication-alarm collaborator to fire due alarms.
// Orchestrator runs, in order and each isolated from the others' failures:
//
//  1. regimen end-date reminders
//  2. cancellation of past-date, never-finalized appointments
//  3. near-date appointment reminders
//
// Cancelling stale appointments before the near-date pass keeps reminders from
// going out for appointments that were just invalidated. Both workers ride on
// runner.Runner, so ticks never overlap and a failing tick never stops the
// schedule.
package reminder
