package slurm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/slurmflow/internal/common/commonerrors"
)

const DefaultApiVersion = "v0.0.39"

// HttpDoer is satisfied by *pester.Client and *http.Client.
type HttpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// RestClientConfig points a RestClient at a slurmrestd instance.
type RestClientConfig struct {
	Url        string `validate:"required,url"`
	ApiVersion string
	// User and token sent as X-SLURM-USER-NAME / X-SLURM-USER-TOKEN.
	User       string
	Token      string
	MaxRetries int
}

// RestClient talks to slurmrestd. slurmrestd does not read #SBATCH lines, so the resource envelope is sent in
// the structured job description. The directives are still written into the script so that it can be rerun
// with sbatch by hand.
type RestClient struct {
	config RestClientConfig
	http   HttpDoer
}

func MakePesterClient(maxRetries int) *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = maxRetries
	client.LogHook = func(e pester.ErrEntry) {
		log.WithField("slurm", "RestClient").Warnf("Retrying after failed attempt: %+v", e)
	}
	return client
}

func NewRestClient(config RestClientConfig) *RestClient {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	return NewRestClientWithHttp(config, MakePesterClient(config.MaxRetries))
}

func NewRestClientWithHttp(config RestClientConfig, doer HttpDoer) *RestClient {
	if config.ApiVersion == "" {
		config.ApiVersion = DefaultApiVersion
	}
	config.Url = strings.TrimSuffix(config.Url, "/")
	return &RestClient{config: config, http: doer}
}

type restSubmitRequest struct {
	Script string         `json:"script"`
	Job    restJobOptions `json:"job"`
}

type restJobOptions struct {
	Name                    string   `json:"name"`
	CurrentWorkingDirectory string   `json:"current_working_directory"`
	Environment             []string `json:"environment"`
	Partition               string   `json:"partition,omitempty"`
	// Minutes.
	TimeLimit *restNumber `json:"time_limit,omitempty"`
	// Megabytes.
	MemoryPerNode *restNumber `json:"memory_per_node,omitempty"`
}

// restNumber is the optional-number form used by the v0.0.39 API.
type restNumber struct {
	Set    bool  `json:"set"`
	Number int64 `json:"number"`
}

type restError struct {
	Error       string `json:"error"`
	ErrorNumber int    `json:"error_number"`
	Description string `json:"description"`
}

type restSubmitResponse struct {
	JobId  int64       `json:"job_id"`
	Errors []restError `json:"errors"`
}

type restJob struct {
	JobId                   int64           `json:"job_id"`
	Name                    string          `json:"name"`
	UserName                string          `json:"user_name"`
	JobState                json.RawMessage `json:"job_state"`
	CurrentWorkingDirectory string          `json:"current_working_directory"`
	StandardOutput          string          `json:"standard_output"`
}

type restJobsResponse struct {
	Jobs   []restJob   `json:"jobs"`
	Errors []restError `json:"errors"`
}

func (c *RestClient) Submit(ctx context.Context, submission *JobSubmission) (JobId, error) {
	body := restSubmitRequest{
		Script: WithDirectives(submission),
		Job: restJobOptions{
			Name:                    submission.Name,
			CurrentWorkingDirectory: submission.WorkingDirectory,
			Environment:             environmentList(submission.Environment),
			Partition:               submission.Partition,
		},
	}
	if submission.TimeLimit != "" {
		minutes, err := TimeLimitMinutes(submission.TimeLimit)
		if err != nil {
			return 0, err
		}
		body.Job.TimeLimit = &restNumber{Set: true, Number: minutes}
	}
	if submission.Memory != "" {
		megabytes, err := MemoryMegabytes(submission.Memory)
		if err != nil {
			return 0, err
		}
		body.Job.MemoryPerNode = &restNumber{Set: true, Number: megabytes}
	}
	var response restSubmitResponse
	if err := c.do(ctx, http.MethodPost, "/job/submit", body, &response); err != nil {
		return 0, err
	}
	if err := joinRestErrors(response.Errors); err != nil {
		return 0, err
	}
	if response.JobId == 0 {
		return 0, errors.New("slurmrestd accepted submission but returned no job id")
	}
	return JobId(response.JobId), nil
}

func (c *RestClient) Query(ctx context.Context, jobId JobId) (*JobInfo, error) {
	var response restJobsResponse
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/job/%d", jobId), nil, &response); err != nil {
		return nil, err
	}
	if err := joinRestErrors(response.Errors); err != nil {
		return nil, err
	}
	if len(response.Jobs) == 0 {
		return nil, errors.WithStack(&commonerrors.ErrNotFound{Type: "slurm job", Value: fmt.Sprintf("%d", jobId)})
	}
	info := response.Jobs[0].toJobInfo()
	return &info, nil
}

func (c *RestClient) ListJobs(ctx context.Context, filter JobFilter) ([]JobInfo, error) {
	var response restJobsResponse
	if err := c.do(ctx, http.MethodGet, "/jobs", nil, &response); err != nil {
		return nil, err
	}
	if err := joinRestErrors(response.Errors); err != nil {
		return nil, err
	}
	var result []JobInfo
	for _, job := range response.Jobs {
		if info := job.toJobInfo(); filter.Matches(info) {
			result = append(result, info)
		}
	}
	return result, nil
}

func (c *RestClient) Cancel(ctx context.Context, jobId JobId) error {
	var response restJobsResponse
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/job/%d", jobId), nil, &response); err != nil {
		return err
	}
	return joinRestErrors(response.Errors)
}

func (c *RestClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.WithStack(err)
		}
		reader = bytes.NewReader(payload)
	}
	url := fmt.Sprintf("%s/slurm/%s%s", c.config.Url, c.config.ApiVersion, path)
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.WithStack(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-SLURM-USER-NAME", c.config.User)
	if c.config.Token != "" {
		req.Header.Set("X-SLURM-USER-TOKEN", c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, url)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.WithStack(err)
	}
	if resp.StatusCode >= 400 && len(payload) == 0 {
		return errors.Errorf("%s %s returned %s", method, url, resp.Status)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return errors.Wrapf(err, "%s %s returned %s with undecodable body", method, url, resp.Status)
	}
	return nil
}

// WithDirectives returns the submission's script with its resource envelope inserted as #SBATCH lines
// directly after the shebang.
func WithDirectives(submission *JobSubmission) string {
	var directives []string
	add := func(flag, value string) {
		if value != "" {
			directives = append(directives, fmt.Sprintf("#SBATCH --%s=%s", flag, value))
		}
	}
	add("job-name", submission.Name)
	add("time", submission.TimeLimit)
	add("mem", submission.Memory)
	add("partition", submission.Partition)
	add("chdir", submission.WorkingDirectory)

	lines := strings.SplitN(submission.Script, "\n", 2)
	if len(lines) > 0 && strings.HasPrefix(lines[0], "#!") {
		rest := ""
		if len(lines) == 2 {
			rest = lines[1]
		}
		return lines[0] + "\n" + strings.Join(directives, "\n") + "\n" + rest
	}
	return "#!/bin/bash\n" + strings.Join(directives, "\n") + "\n" + submission.Script
}

func (j restJob) toJobInfo() JobInfo {
	return JobInfo{
		JobId:            JobId(j.JobId),
		Name:             j.Name,
		User:             j.UserName,
		State:            decodeJobState(j.JobState),
		WorkingDirectory: j.CurrentWorkingDirectory,
		StdOut:           j.StandardOutput,
	}
}

// decodeJobState accepts both the string form (v0.0.39) and the list form (v0.0.40+) of job_state.
func decodeJobState(raw json.RawMessage) string {
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return string(Unknown)
}

func environmentList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := []string{"PATH=/bin:/usr/bin:/usr/local/bin"}
	for _, k := range keys {
		result = append(result, fmt.Sprintf("%s=%s", k, env[k]))
	}
	return result
}

func joinRestErrors(errs []restError) error {
	if len(errs) == 0 {
		return nil
	}
	messages := make([]string, 0, len(errs))
	for _, e := range errs {
		msg := e.Error
		if msg == "" {
			msg = e.Description
		}
		messages = append(messages, fmt.Sprintf("%s (%d)", msg, e.ErrorNumber))
	}
	return errors.Errorf("slurmrestd: %s", strings.Join(messages, "; "))
}
