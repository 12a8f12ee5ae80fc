/*
Package orchestrator abstracts the cluster manager behind the Gateway
interface: apply/scale/delete workloads, read workload status, watch workload
events, and program weighted routes between workload versions.

Three implementations ship with the control plane:

  - Kube, the default adapter, drives Kubernetes Deployment + Service +
    Ingress primitives. Weighted routes use NGINX canary annotations and the
    programmed backend set is recorded on the primary Ingress so GetRoute is
    authoritative after a crash.
  - Fake, an in-memory adapter for tests and local mode, with scripted
    failures and held readiness.
  - Cached, a decorator adding a short-TTL status cache for observation loops.

Gateway errors carry a kind: Transient failures are retried with backoff,
Conflict failures mean re-read then retry, Permanent failures surface to the
caller. KindOf treats unclassified errors as permanent.
*/
package orchestrator
