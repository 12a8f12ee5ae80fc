package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"

	"github.com/mitchellh/hashstructure/v2"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/loomhq/loom/pkg/log"
)

const (
	annotationSpecHash = "loom.io/spec-hash"
	annotationBackends = "loom.io/backends"
	annotationCanary   = "nginx.ingress.kubernetes.io/canary"
	annotationCanaryWt = "nginx.ingress.kubernetes.io/canary-weight"

	labelService = "loom.io/service"
	labelVersion = "loom.io/version"
	labelTenant  = "loom.io/tenant"
)

// Kube drives a Kubernetes cluster through Deployment + Service + Ingress
// primitives. Each tenant maps to a namespace; each workload version is a
// Deployment plus a headless-selector Service; weighted routes are programmed
// as a primary Ingress and an NGINX canary Ingress.
type Kube struct {
	client    kubernetes.Interface
	namespace func(tenantID string) string
}

// NewKube creates the default Kubernetes gateway adapter.
func NewKube(client kubernetes.Interface) *Kube {
	return &Kube{
		client: client,
		namespace: func(tenantID string) string {
			return "loom-" + tenantID
		},
	}
}

// classify maps a client-go error to the gateway error taxonomy.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case apierrors.IsConflict(err):
		return Conflict(op, err)
	case apierrors.IsServerTimeout(err), apierrors.IsTimeout(err),
		apierrors.IsTooManyRequests(err), apierrors.IsServiceUnavailable(err),
		apierrors.IsInternalError(err):
		return Transient(op, err)
	default:
		var netErr net.Error
		if ok := asNetError(err, &netErr); ok {
			return Transient(op, err)
		}
		return Permanent(op, err)
	}
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (k *Kube) ApplyWorkload(ctx context.Context, spec WorkloadSpec) (Handle, error) {
	ns := k.namespace(spec.Handle.TenantID)

	hash, err := hashstructure.Hash(spec, hashstructure.FormatV2, nil)
	if err != nil {
		return Handle{}, Permanent("apply workload", err)
	}
	hashStr := strconv.FormatUint(hash, 16)

	desired, err := k.toDeployment(spec, hashStr)
	if err != nil {
		return Handle{}, Permanent("apply workload", err)
	}

	deployments := k.client.AppsV1().Deployments(ns)
	current, err := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		if _, err := deployments.Create(ctx, desired, metav1.CreateOptions{}); err != nil {
			return Handle{}, classify("create deployment", err)
		}
	case err != nil:
		return Handle{}, classify("get deployment", err)
	default:
		if current.Annotations[annotationSpecHash] == hashStr {
			// Identical apply: nothing to write.
			return spec.Handle, k.ensureBackendService(ctx, spec)
		}
		desired.ResourceVersion = current.ResourceVersion
		if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
			return Handle{}, classify("update deployment", err)
		}
	}

	if err := k.ensureBackendService(ctx, spec); err != nil {
		return Handle{}, err
	}
	return spec.Handle, nil
}

// ensureBackendService keeps the per-version selector Service in step with
// the Deployment so routes can target it.
func (k *Kube) ensureBackendService(ctx context.Context, spec WorkloadSpec) error {
	ns := k.namespace(spec.Handle.TenantID)
	name := spec.Handle.Name()

	var ports []corev1.ServicePort
	for _, p := range spec.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       fmt.Sprintf("port-%d", p),
			Port:       p,
			TargetPort: intstr.FromInt32(p),
		})
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels:    k.workloadLabels(spec.Handle),
		},
		Spec: corev1.ServiceSpec{
			Selector: k.workloadLabels(spec.Handle),
			Ports:    ports,
		},
	}

	services := k.client.CoreV1().Services(ns)
	current, err := services.Get(ctx, name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		_, err = services.Create(ctx, svc, metav1.CreateOptions{})
		return classify("create service", err)
	case err != nil:
		return classify("get service", err)
	default:
		svc.ResourceVersion = current.ResourceVersion
		svc.Spec.ClusterIP = current.Spec.ClusterIP
		_, err = services.Update(ctx, svc, metav1.UpdateOptions{})
		return classify("update service", err)
	}
}

func (k *Kube) workloadLabels(h Handle) map[string]string {
	return map[string]string{
		labelTenant:  h.TenantID,
		labelService: h.Service,
		labelVersion: h.Version,
	}
}

func (k *Kube) toDeployment(spec WorkloadSpec, hash string) (*appsv1.Deployment, error) {
	labels := k.workloadLabels(spec.Handle)
	for key, v := range spec.Labels {
		labels[key] = v
	}

	var env []corev1.EnvVar
	for _, e := range spec.Env {
		if e.FromSecret != "" {
			group, key := splitSecretRef(e.FromSecret)
			env = append(env, corev1.EnvVar{
				Name: e.Name,
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: corev1.LocalObjectReference{Name: "loom-secrets-" + group},
						Key:                  key,
					},
				},
			})
			continue
		}
		env = append(env, corev1.EnvVar{Name: e.Name, Value: e.Value})
	}

	var ports []corev1.ContainerPort
	for _, p := range spec.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: p})
	}

	container := corev1.Container{
		Name:  spec.Handle.Service,
		Image: spec.Image,
		Env:   env,
		Ports: ports,
	}

	if r := spec.Resources; r != nil {
		requirements := corev1.ResourceRequirements{
			Requests: corev1.ResourceList{},
			Limits:   corev1.ResourceList{},
		}
		entries := []struct {
			value string
			list  corev1.ResourceList
			name  corev1.ResourceName
		}{
			{r.CPU, requirements.Requests, corev1.ResourceCPU},
			{r.Memory, requirements.Requests, corev1.ResourceMemory},
			{r.CPULimit, requirements.Limits, corev1.ResourceCPU},
			{r.MemoryLimit, requirements.Limits, corev1.ResourceMemory},
		}
		for _, e := range entries {
			if e.value == "" {
				continue
			}
			q, err := resource.ParseQuantity(e.value)
			if err != nil {
				return nil, fmt.Errorf("invalid resource quantity %q: %w", e.value, err)
			}
			e.list[e.name] = q
		}
		container.Resources = requirements
	}

	if p := spec.Probe; p != nil {
		probe := &corev1.Probe{
			ProbeHandler: corev1.ProbeHandler{
				HTTPGet: &corev1.HTTPGetAction{
					Path: p.Path,
					Port: intstr.FromInt(p.Port),
				},
			},
			InitialDelaySeconds: int32(p.InitialDelaySeconds),
			PeriodSeconds:       int32(p.PeriodSeconds),
		}
		container.LivenessProbe = probe
		container.ReadinessProbe = probe.DeepCopy()
	}

	replicas := int32(spec.Replicas)
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Handle.Name(),
			Namespace: k.namespace(spec.Handle.TenantID),
			Labels:    labels,
			Annotations: map[string]string{
				annotationSpecHash: hash,
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: k.workloadLabels(spec.Handle)},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
				},
			},
		},
	}, nil
}

func splitSecretRef(ref string) (group, key string) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '.' {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}

func (k *Kube) ScaleWorkload(ctx context.Context, h Handle, replicas int) error {
	ns := k.namespace(h.TenantID)
	deployments := k.client.AppsV1().Deployments(ns)

	current, err := deployments.Get(ctx, h.Name(), metav1.GetOptions{})
	if err != nil {
		return classify("get deployment", err)
	}
	if current.Spec.Replicas != nil && int(*current.Spec.Replicas) == replicas {
		return nil
	}
	desired := int32(replicas)
	current.Spec.Replicas = &desired
	if _, err := deployments.Update(ctx, current, metav1.UpdateOptions{}); err != nil {
		return classify("scale deployment", err)
	}
	return nil
}

func (k *Kube) DeleteWorkload(ctx context.Context, h Handle) error {
	ns := k.namespace(h.TenantID)

	err := k.client.AppsV1().Deployments(ns).Delete(ctx, h.Name(), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("delete deployment", err)
	}
	err = k.client.CoreV1().Services(ns).Delete(ctx, h.Name(), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return classify("delete service", err)
	}
	return nil
}

func (k *Kube) GetWorkloadStatus(ctx context.Context, h Handle) (*WorkloadStatus, error) {
	ns := k.namespace(h.TenantID)

	d, err := k.client.AppsV1().Deployments(ns).Get(ctx, h.Name(), metav1.GetOptions{})
	if err != nil {
		return nil, classify("get deployment", err)
	}

	status := &WorkloadStatus{
		Replicas:           int(d.Status.Replicas),
		Ready:              int(d.Status.ReadyReplicas),
		Updated:            int(d.Status.UpdatedReplicas),
		Generation:         d.Generation,
		ObservedGeneration: d.Status.ObservedGeneration,
	}
	if d.Spec.Replicas != nil {
		status.Replicas = int(*d.Spec.Replicas)
	}
	for _, c := range d.Status.Conditions {
		status.Conditions = append(status.Conditions, Condition{
			Type:    string(c.Type),
			Status:  string(c.Status),
			Reason:  c.Reason,
			Message: c.Message,
		})
	}
	return status, nil
}

func (k *Kube) WatchWorkloadEvents(ctx context.Context, h Handle) (<-chan WorkloadEvent, error) {
	ns := k.namespace(h.TenantID)

	w, err := k.client.AppsV1().Deployments(ns).Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + h.Name(),
	})
	if err != nil {
		return nil, classify("watch deployment", err)
	}

	out := make(chan WorkloadEvent, 16)
	go func() {
		defer close(out)
		defer w.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.ResultChan():
				if !ok {
					return
				}
				translated, ok := translateWatchEvent(h, ev)
				if !ok {
					continue
				}
				select {
				case out <- translated:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func translateWatchEvent(h Handle, ev watch.Event) (WorkloadEvent, bool) {
	switch ev.Type {
	case watch.Deleted:
		return WorkloadEvent{Handle: h, Type: EventDeleted}, true
	case watch.Modified, watch.Added:
		d, ok := ev.Object.(*appsv1.Deployment)
		if !ok {
			return WorkloadEvent{}, false
		}
		desired := int32(0)
		if d.Spec.Replicas != nil {
			desired = *d.Spec.Replicas
		}
		if d.Status.ReadyReplicas == desired && d.Status.ObservedGeneration == d.Generation {
			return WorkloadEvent{Handle: h, Type: EventReady}, true
		}
		return WorkloadEvent{Handle: h, Type: EventScaled,
			Message: fmt.Sprintf("ready=%d desired=%d", d.Status.ReadyReplicas, desired)}, true
	default:
		return WorkloadEvent{}, false
	}
}

// ProgramRoute writes the weighted backend set as a primary Ingress pointing
// at the heaviest backend plus an NGINX canary Ingress for the other one. The
// full program is recorded in an annotation so GetRoute reads back exactly
// what was programmed.
func (k *Kube) ProgramRoute(ctx context.Context, key RouteKey, backends []Backend, ports []int32) error {
	if err := ValidateBackends(backends); err != nil {
		return Permanent("program route", err)
	}
	if len(ports) == 0 {
		return Permanent("program route", fmt.Errorf("route %s requires at least one port", key))
	}

	primary, canary := splitRoute(backends)

	program, err := json.Marshal(backends)
	if err != nil {
		return Permanent("program route", err)
	}

	ns := k.namespace(key.TenantID)
	if err := k.applyIngress(ctx, ns, key.Service, primary.Handle, ports[0], map[string]string{
		annotationBackends: string(program),
	}); err != nil {
		return err
	}

	ingresses := k.client.NetworkingV1().Ingresses(ns)
	canaryName := key.Service + "-canary"
	if canary == nil || canary.Weight == 0 {
		if err := ingresses.Delete(ctx, canaryName, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
			return classify("delete canary ingress", err)
		}
		return nil
	}

	return k.applyIngress(ctx, ns, canaryName, canary.Handle, ports[0], map[string]string{
		annotationCanary:   "true",
		annotationCanaryWt: strconv.Itoa(canary.Weight),
	})
}

// splitRoute picks the heaviest backend as primary; a second backend, if any,
// becomes the canary leg.
func splitRoute(backends []Backend) (primary Backend, canary *Backend) {
	primary = backends[0]
	for _, b := range backends[1:] {
		if b.Weight > primary.Weight {
			primary = b
		}
	}
	for i := range backends {
		if backends[i].Handle != primary.Handle {
			canary = &backends[i]
			return primary, canary
		}
	}
	return primary, nil
}

func (k *Kube) applyIngress(ctx context.Context, ns, name string, backend Handle, port int32, annotations map[string]string) error {
	pathType := netv1.PathTypePrefix
	ing := &netv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Namespace:   ns,
			Annotations: annotations,
			Labels:      map[string]string{labelService: backend.Service, labelTenant: backend.TenantID},
		},
		Spec: netv1.IngressSpec{
			Rules: []netv1.IngressRule{{
				IngressRuleValue: netv1.IngressRuleValue{
					HTTP: &netv1.HTTPIngressRuleValue{
						Paths: []netv1.HTTPIngressPath{{
							Path:     "/",
							PathType: &pathType,
							Backend: netv1.IngressBackend{
								Service: &netv1.IngressServiceBackend{
									Name: backend.Name(),
									Port: netv1.ServiceBackendPort{Number: port},
								},
							},
						}},
					},
				},
			}},
		},
	}

	ingresses := k.client.NetworkingV1().Ingresses(ns)
	current, err := ingresses.Get(ctx, name, metav1.GetOptions{})
	switch {
	case apierrors.IsNotFound(err):
		_, err = ingresses.Create(ctx, ing, metav1.CreateOptions{})
		return classify("create ingress", err)
	case err != nil:
		return classify("get ingress", err)
	default:
		ing.ResourceVersion = current.ResourceVersion
		_, err = ingresses.Update(ctx, ing, metav1.UpdateOptions{})
		return classify("update ingress", err)
	}
}

func (k *Kube) GetRoute(ctx context.Context, key RouteKey) ([]Backend, error) {
	ns := k.namespace(key.TenantID)

	ing, err := k.client.NetworkingV1().Ingresses(ns).Get(ctx, key.Service, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get ingress", err)
	}

	raw, ok := ing.Annotations[annotationBackends]
	if !ok {
		logger := log.WithComponent("orchestrator")
		logger.Warn().
			Str("route", key.String()).
			Msg("route ingress missing backends annotation")
		return nil, nil
	}
	var backends []Backend
	if err := json.Unmarshal([]byte(raw), &backends); err != nil {
		return nil, Permanent("get route", fmt.Errorf("corrupt backends annotation: %w", err))
	}
	return backends, nil
}

var _ Gateway = (*Kube)(nil)
