package runtime

import (
	"context"
	stderrors "errors"
	"net"
	"strings"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
)

// classifyKube maps a Kubernetes API error onto the provisioning taxonomy.
// Transient failures become ProvisionUnavailable so callers can retry them.
func classifyKube(op, namespace string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsForbidden(err) && strings.Contains(err.Error(), "exceeded quota"):
		return errors.ProvisionQuotaExceeded(namespace, err)
	case apierrors.HasStatusCause(err, corev1.NamespaceTerminatingCause):
		return errors.ProvisionUnavailable(op, err)
	case apierrors.IsServerTimeout(err),
		apierrors.IsTimeout(err),
		apierrors.IsServiceUnavailable(err),
		apierrors.IsTooManyRequests(err),
		apierrors.IsInternalError(err),
		apierrors.IsConflict(err),
		isNetworkError(err):
		return errors.ProvisionUnavailable(op, err)
	}
	return err
}

// classifyDocker maps a Docker engine error onto the provisioning taxonomy.
func classifyDocker(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case client.IsErrConnectionFailed(err),
		errdefs.IsUnavailable(err),
		errdefs.IsDeadline(err),
		isNetworkError(err):
		return errors.ProvisionUnavailable(op, err)
	}
	return err
}

func isNetworkError(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return stderrors.As(err, &opErr)
}
