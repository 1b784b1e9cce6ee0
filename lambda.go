package partclaim

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"

	"github.com/bcongdon/partclaim/internal/pkg/lambdaclient"
)

var (
	lambdaHandler *ClaimHandler
)

// invocation is the Lambda payload of a request. Lambda has no notion of the
// calling member, so the caller address travels next to the message.
type invocation struct {
	Caller  string `json:"caller"`
	Payload []byte `json:"payload"`
}

// invocationResult is the Lambda output of a request. A request the
// coordinator rejects is answered with Error set instead of failing the
// invocation, so the client does not retry it.
type invocationResult struct {
	Payload []byte `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// rejectionKinds are the errors a member can match on after a rejection
// crossed the wire.
var rejectionKinds = []error{ErrInvalidPartition, ErrMalformedMessage, ErrUnsupportedVersion}

func rejection(err error) invocationResult {
	result := invocationResult{Error: err.Error()}
	for _, kind := range rejectionKinds {
		if errors.Is(err, kind) {
			result.Kind = kind.Error()
			break
		}
	}
	return result
}

// rejectedRequest is a rejection received from the coordinator function.
type rejectedRequest struct {
	kind error
	msg  string
}

func (e *rejectedRequest) Error() string { return e.msg }
func (e *rejectedRequest) Unwrap() error { return e.kind }

func (r invocationResult) err() error {
	rejected := &rejectedRequest{msg: r.Error}
	for _, kind := range rejectionKinds {
		if r.Kind == kind.Error() {
			rejected.kind = kind
		}
	}
	return rejected
}

// lambdaFunctionName returns the name of the function this process serves, if
// it runs inside AWS Lambda.
func lambdaFunctionName() (string, bool) {
	if os.Getenv("LAMBDA_TASK_ROOT") == "" || os.Getenv("LAMBDA_RUNTIME_DIR") == "" {
		return "", false
	}
	name := os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
	return name, name != ""
}

func handleRequest(ctx context.Context, inv invocation) (invocationResult, error) {
	if lambdaHandler == nil {
		return invocationResult{}, errors.New("no claim handler registered")
	}
	return serveInvocation(lambdaHandler, inv), nil
}

func serveInvocation(handler *ClaimHandler, inv invocation) invocationResult {
	caller, err := ParseAddress(inv.Caller)
	if err != nil {
		return rejection(err)
	}
	payload, err := handler.ServeMessage(inv.Payload, caller)
	if err != nil {
		return rejection(err)
	}
	return invocationResult{Payload: payload}
}

// serveLambda hosts the job's table in this function instance. Instances share
// nothing, so the function must be limited to a single concurrent instance.
func (d *Driver) serveLambda(functionName string, client *lambdaclient.LambdaClient) error {
	if err := client.RequireSingleInstance(functionName); err != nil {
		return err
	}
	if d.config.JobID == "" {
		return errors.New("job_id must be configured for the coordinator function")
	}
	if _, err := d.registry.StartJob(d.config.JobName, d.config.JobID, d.config.PartitionCount); err != nil {
		return err
	}
	log.WithFields(log.Fields{"job": d.config.JobName, "jobID": d.config.JobID}).
		Warn("Coordinator instance started with an empty table; claims held by a previous instance are not known")
	lambdaHandler = d.handler
	return nil
}

// lambdaTransport sends requests to a coordinator function on AWS Lambda.
type lambdaTransport struct {
	*lambdaclient.LambdaClient
	functionName string
	self         Address
}

func (l *lambdaTransport) Send(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	payload, err := json.Marshal(invocation{
		Caller:  l.self.String(),
		Payload: EncodeRequest(req),
	})
	if err != nil {
		return Response{}, err
	}
	log.Debugf("Invoking '%s' with %s %s request", l.functionName, humanize.Bytes(uint64(len(payload))), req.Op)

	output, err := l.Invoke(l.functionName, payload)
	if err != nil {
		return Response{}, err
	}

	var result invocationResult
	if err := json.Unmarshal(output, &result); err != nil {
		return Response{}, err
	}
	if result.Error != "" {
		return Response{}, result.err()
	}
	return DecodeResponse(result.Payload)
}
