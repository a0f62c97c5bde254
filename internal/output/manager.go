package output

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusSuccess = "success"
	StatusError   = "error"
)

type ErrorReport struct {
	Name  string
	Error error
	Time  time.Time
}

// Manager renders one progress bar per job and collects outcomes for the
// closing summary.
type Manager struct {
	progress *mpb.Progress
	mutex    sync.Mutex
	jobs     []*JobOutput
	errors   []ErrorReport
}

type JobOutput struct {
	ID         int
	Name       string
	Status     string
	Message    string
	StartTime  time.Time
	FinishTime time.Time
	Error      error

	m   *Manager
	bar *mpb.Bar
}

// NewManager draws bars to out; a nil out disables rendering.
func NewManager(out io.Writer) *Manager {
	return &Manager{
		progress: mpb.New(
			mpb.WithOutput(out),
			mpb.WithWidth(48),
			mpb.WithRefreshRate(150*time.Millisecond),
		),
	}
}

func (m *Manager) RegisterJob(name string) *JobOutput {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	job := &JobOutput{
		ID:        len(m.jobs) + 1,
		Name:      name,
		Status:    StatusPending,
		StartTime: time.Now(),
		m:         m,
	}
	m.jobs = append(m.jobs, job)
	return job
}

func (j *JobOutput) SetName(name string) {
	j.m.mutex.Lock()
	defer j.m.mutex.Unlock()
	j.Name = name
}

func (j *JobOutput) SetMessage(message string) {
	j.m.mutex.Lock()
	defer j.m.mutex.Unlock()
	j.Message = message
	if j.Status == StatusPending {
		j.Status = StatusActive
	}
}

// Progress moves the job's bar to downloaded of total bytes, creating the bar
// on first use.
func (j *JobOutput) Progress(downloaded, total int64) {
	j.m.mutex.Lock()
	if j.bar == nil {
		j.bar = j.m.newBar(j.Name, total)
	}
	bar := j.bar
	j.m.mutex.Unlock()
	bar.SetTotal(total, false)
	bar.SetCurrent(downloaded)
}

func (m *Manager) newBar(name string, total int64) *mpb.Bar {
	barStyle := mpb.BarStyle().Lbound("╢").Filler("█").Tip("█").Padding("░").Rbound("╟")
	return m.progress.New(total,
		barStyle,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			decor.OnComplete(
				decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done",
			),
		),
		mpb.AppendDecorators(
			decor.CountersKibiByte("% .2f / % .2f"),
			decor.Name(" "),
			decor.AverageSpeed(decor.SizeB1024(0), "% .2f"),
		),
	)
}

func (j *JobOutput) Complete(message string) {
	j.m.mutex.Lock()
	defer j.m.mutex.Unlock()
	if message == "" {
		message = fmt.Sprintf("Completed %s", j.Name)
	}
	j.Message = message
	j.Status = StatusSuccess
	j.FinishTime = time.Now()
	if j.bar != nil {
		j.bar.SetTotal(-1, true)
	}
}

func (j *JobOutput) ReportError(err error) {
	j.m.mutex.Lock()
	defer j.m.mutex.Unlock()
	j.Status = StatusError
	j.Error = err
	j.FinishTime = time.Now()
	if j.bar != nil {
		j.bar.Abort(false)
	}
	j.m.errors = append(j.m.errors, ErrorReport{Name: j.Name, Error: err, Time: j.FinishTime})
}

// Wait blocks until every bar has completed or aborted.
func (m *Manager) Wait() {
	m.progress.Wait()
}

func (m *Manager) Counts() (success, failed int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	for _, job := range m.jobs {
		switch job.Status {
		case StatusSuccess:
			success++
		case StatusError:
			failed++
		}
	}
	return success, failed
}

func (m *Manager) Errors() []ErrorReport {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return append([]ErrorReport(nil), m.errors...)
}

// ShowSummary writes one status line per job, the totals and any errors.
func (m *Manager) ShowSummary(w io.Writer) {
	m.mutex.Lock()
	jobs := append([]*JobOutput(nil), m.jobs...)
	m.mutex.Unlock()
	indent := strings.Repeat(" ", 2)
	fmt.Fprintln(w)
	for _, job := range jobs {
		elapsed := job.FinishTime.Sub(job.StartTime).Round(time.Second)
		message := job.Message
		if job.Status == StatusError {
			message = errorStyle.Render(fmt.Sprintf("Failed %s", job.Name))
		} else if job.Status == StatusSuccess {
			message = successStyle.Render(message)
		} else {
			message = pendingStyle.Render(message)
		}
		fmt.Fprintf(w, "%s%s %s %s\n", indent, StatusIndicator(job.Status), debugStyle.Render(elapsed.String()), message)
	}
	success, failed := m.Counts()
	fmt.Fprintln(w)
	fmt.Fprintln(w, indent+success2Style.Render(fmt.Sprintf("Completed %d of %d", success, len(jobs))))
	if failed > 0 {
		fmt.Fprintln(w, indent+errorStyle.Render(fmt.Sprintf("Failed %d of %d", failed, len(jobs))))
	}
	errs := m.Errors()
	if len(errs) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, indent+errorStyle.Bold(true).Render("Errors:"))
	for i, report := range errs {
		fmt.Fprintf(w, "%s%s %s %s\n",
			strings.Repeat(" ", 4),
			errorStyle.Render(fmt.Sprintf("%d.", i+1)),
			debugStyle.Render(fmt.Sprintf("[%s]", report.Time.Format("15:04:05"))),
			errorStyle.Render(report.Name))
		fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", 6), errorStyle.Render(fmt.Sprintf("Error: %v", report.Error)))
	}
}
