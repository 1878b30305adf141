package slurm

import "strings"

// QueueFormat is the squeue column set the parser expects.
const QueueFormat = "--Format=JobID,Name,State,Partition,TimeUsed,TimeLimit,User"

// QueuedJob is one row of squeue.
type QueuedJob struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	State     string `json:"state"`
	Partition string `json:"partition"`
	TimeUsed  string `json:"time_used"`
	TimeLimit string `json:"time_limit"`
}

// Queue is a user's running and pending jobs.
type Queue struct {
	Jobs    []QueuedJob `json:"jobs"`
	Running int         `json:"running"`
	Pending int         `json:"pending"`
}

// ParseSqueue skips the header and rows with fewer than six columns.
func ParseSqueue(output string) Queue {
	q := Queue{Jobs: []QueuedJob{}}
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return q
	}
	for _, line := range lines[1:] {
		f := strings.Fields(line)
		if len(f) < 6 {
			continue
		}
		q.Jobs = append(q.Jobs, QueuedJob{
			ID:        f[0],
			Name:      f[1],
			State:     f[2],
			Partition: f[3],
			TimeUsed:  f[4],
			TimeLimit: f[5],
		})
		switch f[2] {
		case "RUNNING", "R":
			q.Running++
		case "PENDING", "PD":
			q.Pending++
		}
	}
	return q
}
