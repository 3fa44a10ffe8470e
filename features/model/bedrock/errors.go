package bedrock

import (
	"errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/modelresult/runtime/model"
)

// isRateLimited reports whether err is a throttling response, either by HTTP
// status or by the ThrottlingException error code.
func isRateLimited(err error) bool {
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests
}

// wrapError converts AWS SDK failures into model.ProviderError values.
func wrapError(operation string, err error) error {
	var (
		status    int
		code      string
		msg       string
		requestID string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	var awsRespErr *awshttp.ResponseError
	if errors.As(err, &awsRespErr) {
		requestID = awsRespErr.ServiceRequestID()
	}
	kind := model.KindForStatus(status)
	if isRateLimited(err) {
		kind = model.ProviderErrorKindRateLimited
		if status == 0 {
			status = http.StatusTooManyRequests
		}
	}
	if kind == model.ProviderErrorKindUnknown && code == "ValidationException" {
		kind = model.ProviderErrorKindInvalidRequest
	}
	return model.NewProviderErrorFromStatus(model.ProviderFailure{
		Provider:  ProviderName,
		Operation: operation,
		Status:    status,
		Kind:      kind,
		Code:      code,
		Message:   msg,
		RequestID: requestID,
		Cause:     err,
	})
}
