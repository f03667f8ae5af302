// Package frontier owns the URL state machine of a crawl job: the FIFO
// queue of discovered URLs, the in-progress and visited sets, and the
// counters persisted between batch invocations. A Frontier has a single
// owner; concurrent fetch tasks hand results back to the engine, which is
// the only writer.
package frontier

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a crawl job.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
)

// Entry is one queued URL awaiting fetch.
type Entry struct {
	URL          string    `json:"url"`
	Depth        int       `json:"depth"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// State is the wire form of a job's crawl state, serialized as one JSON
// object per job. The queue is stored twice: queueOrder preserves FIFO
// order, queueMembership is the set used for O(1) dedup on restore.
type State struct {
	JobID               string         `json:"jobId"`
	SeedURL             string         `json:"seedUrl"`
	Status              Status         `json:"status"`
	QueueOrder          []Entry        `json:"queueOrder"`
	QueueMembership     []string       `json:"queueMembership"`
	InProgress          []string       `json:"inProgress"`
	Visited             []string       `json:"visited"`
	LinksFound          []string       `json:"linksFound"`
	PagesCrawled        int            `json:"pagesCrawled"`
	ResourcesDownloaded map[string]int `json:"resourcesDownloaded"`
	Errors              []string       `json:"errors"`
	StartTime           time.Time      `json:"startTime"`
	LastRun             time.Time      `json:"lastRun"`
}

// Stats is the compact progress summary persisted alongside the full state.
type Stats struct {
	JobID        string         `json:"jobId"`
	URL          string         `json:"url"`
	StartTime    time.Time      `json:"startTime"`
	LastRun      time.Time      `json:"lastRun"`
	PagesCrawled int            `json:"pagesCrawled"`
	LinksFound   int            `json:"linksFound"`
	Resources    map[string]int `json:"resources"`
	Status       Status         `json:"status"`
	Errors       int            `json:"errors"`
}

// Frontier is the in-memory form of a job's state. queue, inProgress, and
// visited are pairwise disjoint at every point between method calls.
type Frontier struct {
	jobID    string
	seedURL  string
	maxDepth int
	status   Status

	queue         []Entry
	queued        map[string]struct{}
	inProgress    map[string]struct{}
	progressOrder []string
	visited       map[string]struct{}
	visitedOrder  []string
	links         map[string]struct{}
	linkOrder     []string

	pagesCrawled int
	resources    map[string]int
	errors       []string
	startTime    time.Time
	lastRun      time.Time

	now func() time.Time
}

// New creates an empty frontier for a fresh job. The engine admits the seed
// itself so the same robots and validity gates apply to it as to any
// discovered URL.
func New(jobID, seedURL string, maxDepth int) *Frontier {
	f := &Frontier{
		jobID:      jobID,
		seedURL:    seedURL,
		maxDepth:   maxDepth,
		status:     StatusInitialized,
		queued:     make(map[string]struct{}),
		inProgress: make(map[string]struct{}),
		visited:    make(map[string]struct{}),
		links:      make(map[string]struct{}),
		resources:  make(map[string]int),
		now:        time.Now,
	}
	f.startTime = f.now().UTC()
	return f
}

// Restore rebuilds a frontier from persisted state. URLs left in inProgress
// by an interrupted run are returned to the front of the queue at depth 0 so
// they are retried before anything else.
func Restore(state *State, maxDepth int) (*Frontier, error) {
	if state == nil {
		return nil, fmt.Errorf("nil crawl state")
	}
	if state.JobID == "" || state.SeedURL == "" {
		return nil, fmt.Errorf("crawl state missing jobId or seedUrl")
	}
	f := &Frontier{
		jobID:        state.JobID,
		seedURL:      state.SeedURL,
		maxDepth:     maxDepth,
		status:       state.Status,
		queued:       make(map[string]struct{}, len(state.QueueOrder)),
		inProgress:   make(map[string]struct{}),
		visited:      make(map[string]struct{}, len(state.Visited)),
		links:        make(map[string]struct{}, len(state.LinksFound)),
		pagesCrawled: state.PagesCrawled,
		resources:    make(map[string]int, len(state.ResourcesDownloaded)),
		errors:       append([]string(nil), state.Errors...),
		startTime:    state.StartTime,
		lastRun:      state.LastRun,
		now:          time.Now,
	}
	if f.status == "" {
		f.status = StatusInitialized
	}
	for k, v := range state.ResourcesDownloaded {
		f.resources[k] = v
	}
	for _, u := range state.Visited {
		if _, ok := f.visited[u]; !ok {
			f.visited[u] = struct{}{}
			f.visitedOrder = append(f.visitedOrder, u)
		}
	}
	for _, u := range state.LinksFound {
		if _, ok := f.links[u]; !ok {
			f.links[u] = struct{}{}
			f.linkOrder = append(f.linkOrder, u)
		}
	}
	for _, u := range state.InProgress {
		f.queue = append(f.queue, Entry{URL: u, DiscoveredAt: f.now().UTC()})
		f.queued[u] = struct{}{}
	}
	for _, e := range state.QueueOrder {
		if _, dup := f.queued[e.URL]; dup {
			continue
		}
		if _, done := f.visited[e.URL]; done {
			continue
		}
		f.queue = append(f.queue, e)
		f.queued[e.URL] = struct{}{}
	}
	return f, nil
}

// Enqueue admits a URL at the given depth. It reports false when the URL is
// already queued, in progress, or visited, or when depth exceeds the limit.
func (f *Frontier) Enqueue(url string, depth int) bool {
	if depth > f.maxDepth {
		return false
	}
	if _, ok := f.queued[url]; ok {
		return false
	}
	if _, ok := f.inProgress[url]; ok {
		return false
	}
	if _, ok := f.visited[url]; ok {
		return false
	}
	f.queue = append(f.queue, Entry{URL: url, Depth: depth, DiscoveredAt: f.now().UTC()})
	f.queued[url] = struct{}{}
	return true
}

// Dequeue moves up to max entries from the queue into inProgress, in FIFO
// order.
func (f *Frontier) Dequeue(max int) []Entry {
	if max <= 0 || len(f.queue) == 0 {
		return nil
	}
	n := max
	if n > len(f.queue) {
		n = len(f.queue)
	}
	batch := make([]Entry, n)
	copy(batch, f.queue[:n])
	f.queue = append(f.queue[:0], f.queue[n:]...)
	for _, e := range batch {
		delete(f.queued, e.URL)
		f.inProgress[e.URL] = struct{}{}
		f.progressOrder = append(f.progressOrder, e.URL)
	}
	return batch
}

// Complete moves an in-progress URL to visited. Successful fetches count
// toward pagesCrawled; failures only enter the visited set.
func (f *Frontier) Complete(url string, success bool) {
	if _, ok := f.inProgress[url]; !ok {
		return
	}
	f.removeInProgress(url)
	if _, ok := f.visited[url]; !ok {
		f.visited[url] = struct{}{}
		f.visitedOrder = append(f.visitedOrder, url)
	}
	if success {
		f.pagesCrawled++
	}
}

// Requeue returns an in-progress entry to the head of the queue. This is the
// only backward transition; batch mode uses it for fetches cancelled by the
// batch deadline.
func (f *Frontier) Requeue(e Entry) {
	if _, ok := f.inProgress[e.URL]; !ok {
		return
	}
	f.removeInProgress(e.URL)
	f.queue = append([]Entry{e}, f.queue...)
	f.queued[e.URL] = struct{}{}
}

func (f *Frontier) removeInProgress(url string) {
	delete(f.inProgress, url)
	for i, u := range f.progressOrder {
		if u == url {
			f.progressOrder = append(f.progressOrder[:i], f.progressOrder[i+1:]...)
			break
		}
	}
}

// RecordLink adds a discovered link to the linksFound set, whether or not it
// was admitted to the queue.
func (f *Frontier) RecordLink(url string) {
	if _, ok := f.links[url]; ok {
		return
	}
	f.links[url] = struct{}{}
	f.linkOrder = append(f.linkOrder, url)
}

// RecordError appends a per-URL failure description.
func (f *Frontier) RecordError(msg string) {
	f.errors = append(f.errors, msg)
}

// AddResources bumps the download counter for one resource type.
func (f *Frontier) AddResources(resourceType string, n int) {
	if n > 0 {
		f.resources[resourceType] += n
	}
}

func (f *Frontier) JobID() string        { return f.jobID }
func (f *Frontier) SeedURL() string      { return f.seedURL }
func (f *Frontier) Status() Status       { return f.status }
func (f *Frontier) SetStatus(s Status)   { f.status = s }
func (f *Frontier) QueueLen() int        { return len(f.queue) }
func (f *Frontier) InProgressLen() int   { return len(f.inProgress) }
func (f *Frontier) VisitedCount() int    { return len(f.visited) }
func (f *Frontier) PagesCrawled() int    { return f.pagesCrawled }
func (f *Frontier) Errors() []string     { return append([]string(nil), f.errors...) }
func (f *Frontier) StartTime() time.Time { return f.startTime }

// Visited reports whether a URL has reached a terminal state.
func (f *Frontier) Visited(url string) bool {
	_, ok := f.visited[url]
	return ok
}

// Done reports whether the job has nothing left to do: the queue and the
// in-progress set are both empty.
func (f *Frontier) Done() bool {
	return len(f.queue) == 0 && len(f.inProgress) == 0
}

// State snapshots the frontier into its wire form and stamps lastRun.
func (f *Frontier) State() *State {
	f.lastRun = f.now().UTC()
	s := &State{
		JobID:               f.jobID,
		SeedURL:             f.seedURL,
		Status:              f.status,
		QueueOrder:          append([]Entry(nil), f.queue...),
		QueueMembership:     make([]string, 0, len(f.queue)),
		InProgress:          append([]string(nil), f.progressOrder...),
		Visited:             append([]string(nil), f.visitedOrder...),
		LinksFound:          append([]string(nil), f.linkOrder...),
		PagesCrawled:        f.pagesCrawled,
		ResourcesDownloaded: make(map[string]int, len(f.resources)),
		Errors:              append([]string(nil), f.errors...),
		StartTime:           f.startTime,
		LastRun:             f.lastRun,
	}
	for _, e := range f.queue {
		s.QueueMembership = append(s.QueueMembership, e.URL)
	}
	for k, v := range f.resources {
		s.ResourcesDownloaded[k] = v
	}
	if s.InProgress == nil {
		s.InProgress = []string{}
	}
	if s.QueueOrder == nil {
		s.QueueOrder = []Entry{}
	}
	if s.Visited == nil {
		s.Visited = []string{}
	}
	if s.LinksFound == nil {
		s.LinksFound = []string{}
	}
	if s.Errors == nil {
		s.Errors = []string{}
	}
	return s
}

// Stats summarizes progress for the stats file written next to the state.
func (f *Frontier) Stats() *Stats {
	resources := make(map[string]int, len(f.resources))
	for k, v := range f.resources {
		resources[k] = v
	}
	return &Stats{
		JobID:        f.jobID,
		URL:          f.seedURL,
		StartTime:    f.startTime,
		LastRun:      f.lastRun,
		PagesCrawled: f.pagesCrawled,
		LinksFound:   len(f.links),
		Resources:    resources,
		Status:       f.status,
		Errors:       len(f.errors),
	}
}
