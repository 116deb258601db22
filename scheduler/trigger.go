package scheduler

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// cronParser accepts the classic five-field expression.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextFire computes the job's next fire time strictly after now. A nil
// result means the trigger is exhausted. File triggers have no schedule;
// the watcher fires them.
func nextFire(job *model.Job, now time.Time) (*time.Time, error) {
	switch job.TriggerType {
	case model.TriggerDate:
		t := job.Trigger.Date
		loc, err := triggerLocation(t.Timezone)
		if err != nil {
			return nil, err
		}
		runDate := t.RunDate.In(loc)
		if !runDate.After(now) {
			return nil, nil
		}
		return &runDate, nil

	case model.TriggerInterval:
		return nextIntervalFire(job.Trigger.Interval, now)

	case model.TriggerCron:
		t := job.Trigger.Cron
		loc, err := triggerLocation(t.Timezone)
		if err != nil {
			return nil, err
		}
		schedule, err := cronParser.Parse(t.Expression())
		if err != nil {
			return nil, errors.WrapValidation(err, "scheduler", "nextFire",
				fmt.Sprintf("cron expression %q", t.Expression()))
		}
		next := schedule.Next(now.In(loc))
		return &next, nil

	case model.TriggerFile:
		return nil, nil
	}

	return nil, errors.WrapValidation(
		fmt.Errorf("unknown trigger type %q", job.TriggerType),
		"scheduler", "nextFire", job.Name)
}

func nextIntervalFire(t *model.IntervalTrigger, now time.Time) (*time.Time, error) {
	period := t.Period()
	if period <= 0 {
		return nil, errors.WrapValidation(
			fmt.Errorf("interval period must be positive"),
			"scheduler", "nextIntervalFire", "inspect period")
	}

	next := now.Add(period)
	if t.StartDate != nil && t.StartDate.After(now) {
		next = *t.StartDate
	}
	if t.Jitter > 0 {
		next = next.Add(time.Duration(rand.Intn(t.Jitter+1)) * time.Second)
	}
	if t.EndDate != nil && next.After(*t.EndDate) {
		return nil, nil
	}
	return &next, nil
}

func triggerLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, errors.WrapValidation(err, "scheduler", "triggerLocation", timezone)
	}
	return loc, nil
}
