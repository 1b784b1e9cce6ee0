package partclaim

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	pb "gopkg.in/cheggaaa/pb.v1"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/bcongdon/partclaim/internal/pkg/lambdaclient"
)

// Driver hosts the supervisor of a job and races a set of members over its
// partitions through the claim protocol.
type Driver struct {
	config   *config
	options  []Option
	registry *Registry
	handler  *ClaimHandler
	process  ProcessFunc

	// transport builds the Transport a member uses to reach the coordinator
	transport func(self Address) Transport
}

// config configures a Driver
type config struct {
	JobName               string
	JobID                 string
	PartitionCount        int
	MemberCount           int
	BasePort              int
	MaxConcurrency        int
	MaxRounds             int
	CompletedJobCacheSize int
	CoordinatorFunction   string
	Verbose               bool
	ShowProgress          bool
}

func newConfig() *config {
	loadConfig() // Load viper config from settings file(s) and environment
	return &config{
		JobName:               viper.GetString("job_name"),
		JobID:                 viper.GetString("job_id"),
		PartitionCount:        viper.GetInt("partition_count"),
		MemberCount:           viper.GetInt("member_count"),
		BasePort:              viper.GetInt("base_port"),
		MaxConcurrency:        viper.GetInt("max_concurrency"),
		MaxRounds:             viper.GetInt("max_rounds"),
		CompletedJobCacheSize: viper.GetInt("completed_job_cache_size"),
		CoordinatorFunction:   viper.GetString("coordinator_function"),
		Verbose:               viper.GetBool("verbose"),
		ShowProgress:          true,
	}
}

// Option allows configuration of a Driver
type Option func(*config)

// NewDriver creates a Driver whose members run process on every partition they
// win.
func NewDriver(process ProcessFunc, options ...Option) *Driver {
	d := &Driver{
		options: options,
		process: process,
	}
	d.configure()

	d.transport = func(self Address) Transport {
		return LocalTransport{Handler: d.handler, Self: self}
	}
	return d
}

// configure loads the config and builds the registry the Driver hosts. It may
// run again once flags are parsed, before any job is started.
func (d *Driver) configure() {
	c := newConfig()
	for _, f := range d.options {
		f(c)
	}
	if c.MemberCount < 1 {
		log.Warn("Configured member count is less than 1")
		c.MemberCount = 1
	}

	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	d.config = c
	log.Debugf("Loaded config: %#v", c)

	d.registry = NewRegistry(c.CompletedJobCacheSize)
	d.handler = NewClaimHandler(d.registry)
}

// WithJobName sets the name of the job the Driver runs
func WithJobName(name string) Option {
	return func(c *config) {
		c.JobName = name
	}
}

// WithJobID sets the id of the job the Driver runs. A random id is used otherwise.
func WithJobID(jobID string) Option {
	return func(c *config) {
		c.JobID = jobID
	}
}

// WithPartitionCount sets the number of partitions of the job
func WithPartitionCount(n int) Option {
	return func(c *config) {
		c.PartitionCount = n
	}
}

// WithMemberCount sets the number of members racing for partitions
func WithMemberCount(n int) Option {
	return func(c *config) {
		c.MemberCount = n
	}
}

// WithMaxConcurrency sets the number of in-flight partitions per member
func WithMaxConcurrency(n int) Option {
	return func(c *config) {
		c.MaxConcurrency = n
	}
}

// WithMaxRounds sets how many claim rounds run before the job is reported
// unfinished
func WithMaxRounds(n int) Option {
	return func(c *config) {
		c.MaxRounds = n
	}
}

// WithProgress toggles the progress bar
func WithProgress(show bool) Option {
	return func(c *config) {
		c.ShowProgress = show
	}
}

// Registry returns the registry of jobs hosted by the Driver.
func (d *Driver) Registry() *Registry {
	return d.registry
}

// RunSummary describes a finished Driver run.
type RunSummary struct {
	JobID   string
	Rounds  int
	Members map[Address]WorkerStats
}

func (d *Driver) members() []Address {
	members := make([]Address, d.config.MemberCount)
	for i := range members {
		members[i] = Address{Host: "127.0.0.1", Port: d.config.BasePort + i}
	}
	return members
}

// Run starts the job, lets every member claim every partition until all
// partitions are processed, then completes the job.
func (d *Driver) Run(ctx context.Context) (RunSummary, error) {
	jobID := d.config.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	supervisor, err := d.registry.StartJob(d.config.JobName, jobID, d.config.PartitionCount)
	if err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		JobID:   jobID,
		Members: make(map[Address]WorkerStats),
	}
	var bar *pb.ProgressBar
	if d.config.ShowProgress {
		bar = pb.New(d.config.PartitionCount).Prefix("Claim").Start()
	}

	for !supervisor.Done() {
		if summary.Rounds >= d.config.MaxRounds {
			d.registry.CancelJob(d.config.JobName, jobID)
			return summary, fmt.Errorf("job %s/%s unfinished after %d rounds: %v",
				d.config.JobName, jobID, summary.Rounds, supervisor.Progress())
		}
		summary.Rounds++

		won, err := d.runRound(ctx, supervisor, bar, summary.Members)
		if err != nil {
			d.registry.CancelJob(d.config.JobName, jobID)
			return summary, err
		}
		log.Debugf("Round %d: %d partitions won", summary.Rounds, won)
	}
	if bar != nil {
		bar.Finish()
	}

	d.registry.CompleteJob(d.config.JobName, jobID)
	return summary, nil
}

// runRound lets every member claim the currently claimable partitions, each
// member in its own order so that claims collide.
func (d *Driver) runRound(ctx context.Context, supervisor *JobSupervisor, bar *pb.ProgressBar, totals map[Address]WorkerStats) (int, error) {
	var claimable []int32
	for id, record := range supervisor.ReadTable().Records() {
		if record.State.Claimable() {
			claimable = append(claimable, int32(id))
		}
	}

	var mu sync.Mutex
	won := 0
	group, groupCtx := errgroup.WithContext(ctx)
	for i, member := range d.members() {
		order := rotate(claimable, i*len(claimable)/d.config.MemberCount)
		worker := &Worker{
			Self:           member,
			Transport:      d.transport(member),
			Process:        d.process,
			MaxConcurrency: d.config.MaxConcurrency,
			OnSettled: func(_ int32, outcome ClaimOutcome) {
				if outcome != ClaimWon {
					return
				}
				mu.Lock()
				won++
				mu.Unlock()
			},
		}
		group.Go(func() error {
			stats, err := worker.Run(groupCtx, supervisor.Name(), supervisor.JobID(), order)

			mu.Lock()
			defer mu.Unlock()
			total := totals[worker.Self]
			total.Won += stats.Won
			total.Lost += stats.Lost
			total.JobGone += stats.JobGone
			total.Processed += stats.Processed
			total.Failed += stats.Failed
			total.Unconfirmed += stats.Unconfirmed
			totals[worker.Self] = total
			if bar != nil {
				bar.Add(stats.Processed)
			}
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return won, err
	}
	return won, nil
}

func rotate(ids []int32, by int) []int32 {
	out := make([]int32, 0, len(ids))
	if len(ids) == 0 {
		return out
	}
	by %= len(ids)
	out = append(out, ids[by:]...)
	return append(out, ids[:by]...)
}

var lambdaFlag = pflag.Bool("lambda", false, "Send claims to the coordinator function on AWS Lambda")

func init() {
	pflag.BoolP("verbose", "v", false, "Output debug logs")
	pflag.IntP("partitions", "p", 0, "Number of job partitions")
	pflag.IntP("members", "m", 0, "Number of members racing for partitions")
	pflag.String("job", "", "Job name")
	pflag.String("job-id", "", "Job id (required with --lambda)")
}

func bindFlags() {
	for key, flag := range map[string]string{
		"verbose":         "verbose",
		"partition_count": "partitions",
		"member_count":    "members",
		"job_name":        "job",
		"job_id":          "job-id",
	} {
		if f := pflag.Lookup(flag); f != nil && f.Changed {
			viper.BindPFlag(key, f)
		}
	}
}

// Main runs the Driver from the command line. Inside AWS Lambda it serves
// claim requests for the configured job instead.
func (d *Driver) Main() {
	pflag.Parse()
	bindFlags()
	d.configure()

	if functionName, ok := lambdaFunctionName(); ok {
		if err := d.serveLambda(functionName, lambdaclient.NewLambdaClient()); err != nil {
			log.Fatal(err)
		}
		lambda.Start(handleRequest)
		return
	}

	if *lambdaFlag {
		d.runRemote()
		return
	}

	start := time.Now()
	summary, err := d.Run(context.Background())
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
	end := time.Now()

	for member, stats := range summary.Members {
		log.Infof("Member %s: won %s, lost %s, processed %s", member,
			humanize.Comma(int64(stats.Won)), humanize.Comma(int64(stats.Lost)), humanize.Comma(int64(stats.Processed)))
	}
	fmt.Printf("Job %s completed in %d rounds (%s)\n", summary.JobID, summary.Rounds, end.Sub(start))
}

// runRemote runs one member against a coordinator deployed to AWS Lambda.
func (d *Driver) runRemote() {
	if d.config.JobID == "" {
		log.Error("--job-id is required with --lambda")
		os.Exit(1)
	}
	client := lambdaclient.NewLambdaClient()
	if err := client.RequireSingleInstance(d.config.CoordinatorFunction); err != nil {
		log.Error(err)
		os.Exit(1)
	}
	self := d.members()[0]
	worker := &Worker{
		Self: self,
		Transport: &lambdaTransport{
			LambdaClient: client,
			functionName: d.config.CoordinatorFunction,
			self:         self,
		},
		Process:        d.process,
		MaxConcurrency: d.config.MaxConcurrency,
	}

	partitions := make([]int32, d.config.PartitionCount)
	for i := range partitions {
		partitions[i] = int32(i)
	}
	stats, err := worker.Run(context.Background(), d.config.JobName, d.config.JobID, partitions)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
	log.Infof("Member %s: %+v", self, stats)
}
