package lambdaclient

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/lambda"
	"github.com/aws/aws-sdk-go/service/lambda/lambdaiface"
	log "github.com/sirupsen/logrus"
)

// MaxLambdaRetries is the number of times an invocation that fails inside the
// function is attempted before giving up.
const MaxLambdaRetries = 3

var (
	// ErrOutOfRetries is returned when every invocation attempt failed.
	ErrOutOfRetries = errors.New("lambda invocation out of retries")
	// ErrNotSingleInstance is returned for functions that may run more than
	// one instance at a time.
	ErrNotSingleInstance = errors.New("function reserved concurrency is not 1")
)

// LambdaClient invokes coordinator functions deployed to AWS Lambda.
type LambdaClient struct {
	Client lambdaiface.LambdaAPI
}

// NewLambdaClient creates a LambdaClient from the shared AWS configuration.
func NewLambdaClient() *LambdaClient {
	sess := session.Must(session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	}))
	return &LambdaClient{
		Client: lambda.New(sess),
	}
}

// Invoke synchronously calls functionName with payload and returns the
// function's output. Function errors are retried; transport errors are not.
func (l *LambdaClient) Invoke(functionName string, payload []byte) ([]byte, error) {
	invokeInput := &lambda.InvokeInput{
		FunctionName: aws.String(functionName),
		Payload:      payload,
	}

	var lastFailure string
	for try := 1; try <= MaxLambdaRetries; try++ {
		output, err := l.Client.Invoke(invokeInput)
		if err != nil {
			return nil, err
		}
		if output.FunctionError == nil {
			return output.Payload, nil
		}
		lastFailure = aws.StringValue(output.FunctionError)
		log.Debugf("Function '%s' failed on try %d/%d: %s", functionName, try, MaxLambdaRetries, lastFailure)
	}
	return nil, fmt.Errorf("%w: %s: %s", ErrOutOfRetries, functionName, lastFailure)
}

// RequireSingleInstance returns ErrNotSingleInstance unless the reserved
// concurrency of functionName is exactly 1.
func (l *LambdaClient) RequireSingleInstance(functionName string) error {
	output, err := l.Client.GetFunctionConcurrency(&lambda.GetFunctionConcurrencyInput{
		FunctionName: aws.String(functionName),
	})
	if err != nil {
		return err
	}
	if output.ReservedConcurrentExecutions == nil {
		return fmt.Errorf("%w: %s has no reserved concurrency", ErrNotSingleInstance, functionName)
	}
	if reserved := aws.Int64Value(output.ReservedConcurrentExecutions); reserved != 1 {
		return fmt.Errorf("%w: %s reserves %d", ErrNotSingleInstance, functionName, reserved)
	}
	return nil
}
