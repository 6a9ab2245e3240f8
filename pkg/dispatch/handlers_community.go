// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"context"

	"github.com/kadirpekel/warden/pkg/protocol"
)

func (d *Dispatcher) executeCommunity(ctx context.Context, t *task) (any, error) {
	if d.comm == nil {
		return nil, protocol.NewError(protocol.CodeUpstream, "community service is not configured")
	}

	switch t.typ {
	case protocol.TaskForumCreate:
		f, err := d.comm.CreateForum(ctx, t.entry.ExternalID,
			str(t.payload, "name"), str(t.payload, "description"))
		if err != nil {
			return nil, err
		}
		t.resourceID = f.ID
		return f, nil

	case protocol.TaskForumList:
		forums := d.comm.Forums()
		return map[string]any{"forums": forums, "count": len(forums)}, nil

	case protocol.TaskForumPost:
		p, err := d.comm.CreatePost(ctx, str(t.payload, "forumId"),
			t.entry.ExternalID, str(t.payload, "title"), str(t.payload, "content"))
		if err != nil {
			return nil, err
		}
		t.resourceID = p.ID
		return p, nil

	case protocol.TaskForumPosts:
		posts, err := d.comm.Posts(str(t.payload, "forumId"), intval(t.payload, "limit"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"posts": posts, "count": len(posts)}, nil

	case protocol.TaskJobPost:
		j, err := d.comm.PostJob(ctx, t.entry.ExternalID, str(t.payload, "title"),
			str(t.payload, "description"), num(t.payload, "reward"), strList(t.payload, "tags"))
		if err != nil {
			return nil, err
		}
		t.resourceID = j.ID
		return j, nil

	case protocol.TaskJobList:
		jobs := d.comm.Jobs(str(t.payload, "postedBy"))
		return map[string]any{"jobs": jobs, "count": len(jobs)}, nil

	case protocol.TaskJobApply:
		a, err := d.comm.Apply(ctx, str(t.payload, "jobId"),
			t.entry.ExternalID, str(t.payload, "note"))
		if err != nil {
			return nil, err
		}
		t.resourceID = a.ID
		return a, nil

	case protocol.TaskReputationGet:
		agentID := strOr(t.payload, "agentId", t.entry.ExternalID)
		t.resourceID = agentID
		return d.comm.Reputation(agentID), nil

	case protocol.TaskReputationList:
		reps := d.comm.Reputations()
		return map[string]any{"reputations": reps, "count": len(reps)}, nil

	case protocol.TaskReputationAdjust:
		r, err := d.comm.AdjustReputation(ctx, str(t.payload, "agentId"),
			num(t.payload, "delta"), str(t.payload, "reason"))
		if err != nil {
			return nil, err
		}
		t.resourceID = r.AgentID
		return r, nil
	}
	return nil, protocol.Errorf(protocol.CodeInternal, "no community handler for %s", t.typ)
}
