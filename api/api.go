// Package api is the external surface of the jobs service: commands and queries on the
// in-memory buses, and the REST routes that drive them.
package api

import (
	"github.com/Deepreo/jobs/core"
	"github.com/Deepreo/jobs/job"
)

// RegisterHandlers binds every job command to scheduler and every query to repo.
func RegisterHandlers(commands core.CommandBus, queries core.QueryBus, scheduler Scheduler, repo job.Repository) error {
	if err := core.RegisterCommand[*CreateJob](commands, NewCreateJobHandler(scheduler)); err != nil {
		return err
	}
	if err := core.RegisterCommand[*MergeJob](commands, NewMergeJobHandler(scheduler)); err != nil {
		return err
	}
	if err := core.RegisterCommand[*CancelJob](commands, NewCancelJobHandler(scheduler)); err != nil {
		return err
	}
	if err := core.RegisterCommand[*DeleteJob](commands, NewDeleteJobHandler(scheduler)); err != nil {
		return err
	}
	if err := core.RegisterQuery[*GetJob, *job.Record](queries, NewGetJobHandler(repo)); err != nil {
		return err
	}
	if err := core.RegisterQuery[*ListJobsByStatus, []*job.Record](queries, NewListJobsByStatusHandler(repo)); err != nil {
		return err
	}
	return core.RegisterQuery[*ListJobs, []*job.Record](queries, NewListJobsHandler(repo))
}
