package pyramid

import "context"

// Job is a build running on its own goroutine.
type Job struct {
	progress chan Progress
	done     chan struct{}
	cancel   context.CancelFunc

	result *Result
	err    error
}

// Start runs Build in the background. Cancel ctx or call Job.Cancel to stop
// it; the container is then rolled back.
func Start(ctx context.Context, path string, opts Options) *Job {
	ctx, cancel := context.WithCancel(ctx)
	j := &Job{
		progress: make(chan Progress, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	user := opts.Progress
	opts.Progress = func(p Progress) {
		if user != nil {
			user(p)
		}
		j.publish(p)
	}

	go func() {
		defer cancel()
		j.result, j.err = Build(ctx, path, opts)
		close(j.progress)
		close(j.done)
	}()
	return j
}

// publish hands p to the consumer without blocking. An update the consumer
// has not taken yet is replaced, so the newest one is always pending.
// The builder serializes calls, so j.progress has a single sender.
func (j *Job) publish(p Progress) {
	for {
		select {
		case j.progress <- p:
			return
		default:
		}
		select {
		case <-j.progress:
		default:
		}
	}
}

// Progress delivers (completed, total) block counts. Updates a slow
// consumer has not received are coalesced into the newest one; the last
// update of the build is always delivered before the channel is closed.
func (j *Job) Progress() <-chan Progress {
	return j.progress
}

// Done is closed when the build has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel stops the build.
func (j *Job) Cancel() {
	j.cancel()
}

// Wait blocks until the build finishes and returns its outcome.
func (j *Job) Wait() (*Result, error) {
	<-j.done
	return j.result, j.err
}

// Generate starts a build and forwards its notifications. onProgress is
// called for every delivered progress update, ending with the final one,
// and onComplete exactly once after it, from a goroutine owned by the job.
// Either callback may be nil.
func Generate(ctx context.Context, path string, opts Options,
	onProgress func(Progress), onComplete func(*Result, error)) *Job {
	j := Start(ctx, path, opts)
	go func() {
		for p := range j.progress {
			if onProgress != nil {
				onProgress(p)
			}
		}
		res, err := j.Wait()
		if onComplete != nil {
			onComplete(res, err)
		}
	}()
	return j
}
