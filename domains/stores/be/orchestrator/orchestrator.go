// Package orchestrator wraps the helm and kubectl binaries behind typed
// operations. Commands are built argv-only; nothing is ever handed to a
// shell. Identifiers reaching this package (store id, namespace, host) are
// derived internally and restricted to [a-z0-9.-].
package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// Readiness is the result of a cluster readiness probe.
type Readiness struct {
	Ready  bool
	Reason string
}

// CommandRunner executes one external command and returns its captured
// output. Injected so tests never exec real binaries.
type CommandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

// Config carries the binary names and chart location.
type Config struct {
	HelmBin    string
	KubectlBin string
	ChartPath  string
}

// Client invokes helm for release management and kubectl for readiness probes.
type Client struct {
	cfg    Config
	run    CommandRunner
	logger *zap.Logger
}

// NewClient constructs a Client. A nil runner defaults to ExecRunner.
func NewClient(cfg Config, run CommandRunner, logger *zap.Logger) *Client {
	if logger == nil {
		panic("logger is required")
	}
	if cfg.HelmBin == "" {
		cfg.HelmBin = "helm"
	}
	if cfg.KubectlBin == "" {
		cfg.KubectlBin = "kubectl"
	}
	if run == nil {
		run = ExecRunner
	}
	return &Client{cfg: cfg, run: run, logger: logger}
}

// Install deploys the store chart into its namespace, creating the namespace
// and pinning the per-instance ingress host.
func (c *Client) Install(ctx context.Context, id, namespace, host string) error {
	args := []string{
		"install", id, c.cfg.ChartPath,
		"--namespace", namespace,
		"--create-namespace",
		"--set", "ingress.host=" + host,
		"--wait=false",
	}

	c.logger.Info("helm install", zap.String("release", id), zap.String("namespace", namespace), zap.String("host", host))

	_, stderr, err := c.run(ctx, c.cfg.HelmBin, args...)
	if err != nil {
		return errors.New(commandFailure(stderr, err))
	}
	return nil
}

// Uninstall removes the release and deletes its namespace. A release that no
// longer exists is not an error; the delete path must tolerate partial prior
// cleanup.
func (c *Client) Uninstall(ctx context.Context, id, namespace string) error {
	c.logger.Info("helm uninstall", zap.String("release", id), zap.String("namespace", namespace))

	_, stderr, err := c.run(ctx, c.cfg.HelmBin, "uninstall", id, "--namespace", namespace)
	if err != nil && !releaseNotFound(stderr) {
		return errors.New(commandFailure(stderr, err))
	}

	_, stderr, err = c.run(ctx, c.cfg.KubectlBin,
		"delete", "namespace", namespace,
		"--wait=false",
		"--ignore-not-found=true",
	)
	if err != nil {
		return errors.New(commandFailure(stderr, err))
	}
	return nil
}

func releaseNotFound(stderr []byte) bool {
	return strings.Contains(strings.ToLower(string(stderr)), "release: not found")
}

type podList struct {
	Items []struct {
		Metadata struct {
			Name string `json:"name"`
		} `json:"metadata"`
		Status struct {
			Conditions []struct {
				Type   string `json:"type"`
				Status string `json:"status"`
			} `json:"conditions"`
		} `json:"status"`
	} `json:"items"`
}

// CheckPodReadiness inspects the pods of a namespace. Ready means the pod
// list is non-empty and every pod reports condition Ready=True.
func (c *Client) CheckPodReadiness(ctx context.Context, namespace string) Readiness {
	stdout, stderr, err := c.run(ctx, c.cfg.KubectlBin,
		"get", "pods",
		"--namespace", namespace,
		"--output", "json",
	)
	if err != nil {
		return Readiness{Reason: "Pod check failed: " + commandFailure(stderr, err)}
	}

	var pods podList
	if err := json.Unmarshal(stdout, &pods); err != nil {
		return Readiness{Reason: "Pod check failed: " + err.Error()}
	}

	if len(pods.Items) == 0 {
		return Readiness{Reason: "No pods found"}
	}

	var notReady []string
	for _, pod := range pods.Items {
		ready := false
		for _, cond := range pod.Status.Conditions {
			if cond.Type == "Ready" && cond.Status == "True" {
				ready = true
				break
			}
		}
		if !ready {
			notReady = append(notReady, pod.Metadata.Name)
		}
	}

	if len(notReady) > 0 {
		return Readiness{Reason: "Pods not ready: " + strings.Join(notReady, ", ")}
	}
	return Readiness{Ready: true}
}

type ingressList struct {
	Items []struct {
		Spec struct {
			Rules []struct {
				Host string `json:"host"`
			} `json:"rules"`
		} `json:"spec"`
		Status struct {
			LoadBalancer struct {
				Ingress []struct {
					IP       string `json:"ip"`
					Hostname string `json:"hostname"`
				} `json:"ingress"`
			} `json:"loadBalancer"`
		} `json:"status"`
	} `json:"items"`
}

// CheckIngressReadiness looks for an ingress routing the given host and
// requires at least one load-balancer endpoint on it.
func (c *Client) CheckIngressReadiness(ctx context.Context, host string) Readiness {
	stdout, stderr, err := c.run(ctx, c.cfg.KubectlBin,
		"get", "ingress",
		"--all-namespaces",
		"--output", "json",
	)
	if err != nil {
		return Readiness{Reason: "Ingress check failed: " + commandFailure(stderr, err)}
	}

	var ingresses ingressList
	if err := json.Unmarshal(stdout, &ingresses); err != nil {
		return Readiness{Reason: "Ingress check failed: " + err.Error()}
	}

	for _, ing := range ingresses.Items {
		for _, rule := range ing.Spec.Rules {
			if rule.Host != host {
				continue
			}
			if len(ing.Status.LoadBalancer.Ingress) == 0 {
				return Readiness{Reason: "Ingress has no load balancer IP"}
			}
			return Readiness{Ready: true}
		}
	}
	return Readiness{Reason: "Ingress not found"}
}

func commandFailure(stderr []byte, err error) string {
	if msg := strings.TrimSpace(string(stderr)); msg != "" {
		return msg
	}
	return fmt.Sprintf("%v", err)
}
