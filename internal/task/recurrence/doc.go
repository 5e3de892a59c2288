// Package recurrence resolves recurrence rules to concrete fire instants.
//
// Two rule dialects are accepted:
//   - iCalendar RRULE bodies: "FREQ=WEEKLY;BYDAY=SU;BYHOUR=23;BYMINUTE=0"
//     (an "RRULE:" prefix is allowed)
//   - cron expressions, forced with a "cron:" prefix or recognized by
//     whitespace / a leading '@': "cron:0 9 * * *", "@daily"
//
// Next is pure: the same rule, anchor, reference and timezone always yield
// the same instant.
package recurrence
