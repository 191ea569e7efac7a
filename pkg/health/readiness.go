/*
Copyright 2019 The Machine Controller Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package health

import (
	"fmt"
	"net/http"
	"os"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
)

// ApiserverReachable checks connectivity to the cluster the engine targets
// for the current request. A cluster's apiserver is only reachable once
// its kubeconfig has been fetched, so this check is only wired in for
// cluster/environment operations, never at process startup.
func ApiserverReachable(client kubernetes.Interface) healthz.Checker {
	return func(req *http.Request) error {
		_, err := client.CoreV1().Nodes().List(req.Context(), metav1.ListOptions{})
		if err != nil {
			return fmt.Errorf("unable to list nodes check: %w", err)
		}

		return nil
	}
}

// WorkspaceRootWritable checks that the workspace root the engine renders
// bootstrap charts and Terraform contexts into is writable before
// accepting any request that touches it.
func WorkspaceRootWritable(rootDir string) healthz.Checker {
	return func(req *http.Request) error {
		probe := rootDir + "/.readiness-probe"
		f, err := os.Create(probe)
		if err != nil {
			return fmt.Errorf("workspace root %s is not writable: %w", rootDir, err)
		}
		f.Close()
		return os.Remove(probe)
	}
}
