package middlewares

import (
	"fmt"
	"sort"
	"strings"

	"transitserver/models"
)

// Partition はパスのプレフィックスと、そこにアクセスできるロールの組です。
type Partition struct {
	Prefix string
	Roles  []models.Role
	// トークンが無い場合に自動発行するロール
	ProvisionRole models.Role
}

func (p Partition) Allows(role models.Role) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p Partition) matches(path string) bool {
	return path == p.Prefix || strings.HasPrefix(path, p.Prefix+"/")
}

// PartitionResolver はリクエストパスから必要なロールを解決します。
type PartitionResolver struct {
	partitions []Partition
	landing    map[models.Role]string
}

// DefaultPartitions は乗客・オーナー用と運転手用の2つのパーティションです。
func DefaultPartitions() []Partition {
	return []Partition{
		{Prefix: "/dashboard", Roles: []models.Role{models.RoleRider, models.RoleOwner}, ProvisionRole: models.RoleRider},
		{Prefix: "/driver", Roles: []models.Role{models.RoleDriver}, ProvisionRole: models.RoleDriver},
	}
}

func DefaultLandingRoutes() map[models.Role]string {
	return map[models.Role]string{
		models.RoleRider:  "/dashboard/rider",
		models.RoleOwner:  "/dashboard/owner",
		models.RoleDriver: "/driver/dashboard",
	}
}

// NewPartitionResolver はリダイレクトがループしないことを確認してからリゾルバを作成します。
func NewPartitionResolver(partitions []Partition, landing map[models.Role]string) (*PartitionResolver, error) {
	r := &PartitionResolver{
		partitions: make([]Partition, 0, len(partitions)),
		landing:    make(map[models.Role]string, len(landing)),
	}
	for _, p := range partitions {
		p.Prefix = "/" + strings.Trim(p.Prefix, "/")
		if p.Prefix == "/" {
			return nil, fmt.Errorf("partition prefix must not be the root path")
		}
		if len(p.Roles) == 0 {
			return nil, fmt.Errorf("partition %s has no roles", p.Prefix)
		}
		for _, role := range p.Roles {
			if !role.Valid() {
				return nil, fmt.Errorf("partition %s: invalid role %q", p.Prefix, role)
			}
		}
		if !p.Allows(p.ProvisionRole) {
			return nil, fmt.Errorf("partition %s: provision role %q is not allowed by the partition", p.Prefix, p.ProvisionRole)
		}
		r.partitions = append(r.partitions, p)
	}
	// 長いプレフィックスを優先
	sort.SliceStable(r.partitions, func(i, j int) bool {
		return len(r.partitions[i].Prefix) > len(r.partitions[j].Prefix)
	})

	for role, route := range landing {
		r.landing[role] = route
	}
	for _, p := range r.partitions {
		for _, role := range p.Roles {
			route, ok := r.landing[role]
			if !ok {
				return nil, fmt.Errorf("no landing route for role %q", role)
			}
			if target, gated := r.Resolve(route); gated && !target.Allows(role) {
				return nil, fmt.Errorf("landing route %s does not admit role %q", route, role)
			}
		}
	}
	return r, nil
}

// Resolve はパスに一致するパーティションを返します。
func (r *PartitionResolver) Resolve(path string) (Partition, bool) {
	for _, p := range r.partitions {
		if p.matches(path) {
			return p, true
		}
	}
	return Partition{}, false
}

// Landing はロールごとのトップページのパスを返します。
func (r *PartitionResolver) Landing(role models.Role) (string, bool) {
	route, ok := r.landing[role]
	return route, ok
}
