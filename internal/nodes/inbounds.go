package nodes

import (
	"context"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"fleetplane/internal/store"
)

// perUserPaths 是入站配置中随用户变化的部分；同步时剔除，用户列表由权益图在下发时生成。
var perUserPaths = []string{"settings.clients", "settings.users", "settings.accounts"}

// ParseInbound 从节点上报的入站 JSON 对象中取出 tag/protocol，并剔除按用户展开的字段。
func ParseInbound(raw string) (store.InboundSpec, error) {
	raw = strings.TrimSpace(raw)
	if !gjson.Valid(raw) || !gjson.Parse(raw).IsObject() {
		return store.InboundSpec{}, fmt.Errorf("%w: inbound 配置必须是 JSON 对象", store.ErrInvalidArgument)
	}
	tag := strings.TrimSpace(gjson.Get(raw, "tag").String())
	if tag == "" {
		return store.InboundSpec{}, fmt.Errorf("%w: inbound 缺少 tag", store.ErrInvalidArgument)
	}
	protocol := store.Protocol(strings.ToLower(strings.TrimSpace(gjson.Get(raw, "protocol").String())))
	if protocol == store.ProtocolShadowsocks && strings.HasPrefix(gjson.Get(raw, "settings.method").String(), "2022-") {
		protocol = store.ProtocolShadowsocks2022
	}
	if !protocol.Valid() {
		return store.InboundSpec{}, fmt.Errorf("%w: inbound %q 协议不支持：%s", store.ErrInvalidArgument, tag, protocol)
	}
	normalized := raw
	for _, p := range perUserPaths {
		if !gjson.Get(normalized, p).Exists() {
			continue
		}
		next, err := sjson.Delete(normalized, p)
		if err != nil {
			return store.InboundSpec{}, fmt.Errorf("规范化 inbound %q 失败: %w", tag, err)
		}
		normalized = next
	}
	return store.InboundSpec{Protocol: protocol, Tag: tag, Config: normalized}, nil
}

// SyncInbounds 以节点上报的入站列表为准按 tag 对齐：新增、更新、删除不再出现的入站（连同 host 与服务关联）。
// 任一配置不合法时整批拒绝。同步成功后 connecting 节点转为 healthy，其它状态不变。
func (r *Registry) SyncInbounds(ctx context.Context, nodeID int64, configs []string) (store.InboundSyncResult, error) {
	specs := make([]store.InboundSpec, 0, len(configs))
	for i, raw := range configs {
		sp, err := ParseInbound(raw)
		if err != nil {
			return store.InboundSyncResult{}, fmt.Errorf("sync inbounds node(id=%d) config[%d]: %w", nodeID, i, err)
		}
		specs = append(specs, sp)
	}
	res, err := r.st.ReplaceNodeInbounds(ctx, nodeID, specs)
	if err != nil {
		return store.InboundSyncResult{}, err
	}
	r.log.Info("节点入站已同步", "node_id", nodeID, "created", len(res.Created), "updated", len(res.Updated), "removed", len(res.Removed))

	n, err := r.st.GetNode(ctx, nodeID)
	if err != nil {
		return res, err
	}
	if n.Status == store.NodeStatusConnecting {
		r.beats.touch(nodeID, r.now())
		if _, err := r.MarkHealthy(ctx, nodeID); err != nil {
			// 并发的 disable/删除优先；入站已写入，本次同步仍算成功。
			r.log.Warn("同步后标记节点 healthy 失败", "node_id", nodeID, "err", err)
		}
	}
	return res, nil
}

func (r *Registry) Inbounds(ctx context.Context, nodeID int64) ([]store.Inbound, error) {
	return r.st.ListInboundsByNode(ctx, nodeID)
}

func (r *Registry) DeleteInbound(ctx context.Context, inboundID int64) error {
	return r.st.DeleteInbound(ctx, inboundID)
}

func (r *Registry) CreateHost(ctx context.Context, inboundID int64, in store.HostSpec) (store.Host, error) {
	id, err := r.st.CreateHost(ctx, inboundID, in)
	if err != nil {
		return store.Host{}, err
	}
	return r.st.GetHost(ctx, id)
}

func (r *Registry) Hosts(ctx context.Context, inboundID int64) ([]store.Host, error) {
	return r.st.ListHostsByInbound(ctx, inboundID)
}

func (r *Registry) UpdateHost(ctx context.Context, id int64, in store.HostSpec) (store.Host, error) {
	if err := r.st.UpdateHost(ctx, id, in); err != nil {
		return store.Host{}, err
	}
	return r.st.GetHost(ctx, id)
}

func (r *Registry) DeleteHost(ctx context.Context, id int64) error {
	return r.st.DeleteHost(ctx, id)
}
