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

package cluster

import (
	enginerrors "github.com/nexops/deploy-engine/pkg/errors"
	"github.com/nexops/deploy-engine/pkg/model"
)

// clampToBounds enforces min <= x <= max, reporting whether it had to move x.
func clampToBounds(x, min, max int32) (clamped int32, moved bool) {
	switch {
	case x < min:
		return min, true
	case x > max:
		return max, true
	default:
		return x, false
	}
}

// SelectNodeGroupBehavior computes the desired-size/enable pair for one node
// group under one cluster action, following
// select_nodegroups_autoscaling_group_behavior from the EKS reference
// implementation: Bootstrap always clamps to min with enable=true; Pause and
// Delete always clamp to min with enable=false; Update/Upgrade clamp the
// observed current size (or default to max, enable=true, when no current
// size is known — the node group may have been deleted out of band); Resume
// clamps the observed current size with enable=true, defaulting to min when
// unknown.
func SelectNodeGroupBehavior(action model.ClusterAction, ng model.NodeGroup, currentNodes *int32) model.NodeGroupWithDesiredState {
	base := func(size int32, enable bool) model.NodeGroupWithDesiredState {
		return model.NodeGroupWithDesiredState{NodeGroup: ng, DesiredSize: size, EnableDesiredSize: enable}
	}

	switch action {
	case model.ClusterActionBootstrap:
		return base(ng.Min, true)
	case model.ClusterActionPause, model.ClusterActionDelete:
		return base(ng.Min, false)
	case model.ClusterActionUpdate, model.ClusterActionUpgrade:
		if currentNodes == nil {
			return base(ng.Max, true)
		}
		size, moved := clampToBounds(*currentNodes, ng.Min, ng.Max)
		return base(size, moved)
	case model.ClusterActionResume:
		if currentNodes == nil {
			return base(ng.Min, true)
		}
		size, _ := clampToBounds(*currentNodes, ng.Min, ng.Max)
		return base(size, true)
	default:
		return base(ng.Min, false)
	}
}

// failedNodeGroupStatuses are the statuses check_failed_nodegroups_to_remove
// treats as delete candidates.
var failedNodeGroupStatuses = map[model.NodeGroupStatus]bool{
	model.NodeGroupStatusCreateFailed: true,
	model.NodeGroupStatusDeleteFailed: true,
	model.NodeGroupStatusDegraded:     true,
}

// SelectNodeGroupsToRemove implements the deletion-safety invariant: candidates are node groups whose status is
// CreateFailed, DeleteFailed, or Degraded. If the candidate set equals the
// full (non-empty) set, deletion is refused with
// ErrOneNodeGroupMustBeActiveAtLeast rather than blacking out the cluster.
func SelectNodeGroupsToRemove(groups []model.NodeGroupWithDesiredState) ([]model.NodeGroupWithDesiredState, error) {
	var failed []model.NodeGroupWithDesiredState
	for _, g := range groups {
		if failedNodeGroupStatuses[g.Status] {
			failed = append(failed, g)
		}
	}
	if len(groups) > 0 && len(failed) == len(groups) {
		return nil, enginerrors.ErrOneNodeGroupMustBeActiveAtLeast
	}
	return failed, nil
}
