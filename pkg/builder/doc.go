// Package builder executes leased build jobs: fetch the commit's source,
// assemble an OCI image, push it to the registry, and report the digest back
// to the queue. Digests are deterministic for identical inputs, and
// concurrent executions of one content key collapse to a single build.
package builder
