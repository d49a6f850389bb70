package ledger

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"points-ledger/internal/models"
	"points-ledger/internal/reward"
	"points-ledger/pkg/errors"
)

// Window 一次对账覆盖的闭区间区块范围[FromBlock, ToBlock]
// 撤销集合只按区块号界定，未记录区块号的流水(补发、人工)不在任何窗口内
// From/To为对应的区块时间，仅用于检查点与日志
type Window struct {
	PointType models.PointType
	FromBlock int64
	ToBlock   int64
	From      time.Time
	To        time.Time
}

// NewWindow 时间端点统一为UTC秒级精度
func NewWindow(pointType models.PointType, fromBlock, toBlock int64, from, to time.Time) Window {
	return Window{
		PointType: pointType,
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		From:      NormalizeTime(from),
		To:        NormalizeTime(to),
	}
}

// Contains 区块号是否在窗口内
func (w Window) Contains(block int64) bool {
	return block >= w.FromBlock && block <= w.ToBlock
}

// Owns 流水是否属于本窗口的撤销集合
func (w Window) Owns(p models.UserPoint) bool {
	return p.PointType == w.PointType && p.BlockNumber != nil && w.Contains(*p.BlockNumber)
}

func (w Window) String() string {
	return fmt.Sprintf("%s[%d, %d]", w.PointType, w.FromBlock, w.ToBlock)
}

// NormalizeTime 流水时间统一为UTC秒级精度
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}

// Rewarder 奖励计算能力
type Rewarder interface {
	Reward(ev models.ChainEvent, prior reward.Prior) (int64, error)
}

// Entry 待写入的一条流水
type Entry struct {
	Address     string
	CampaignID  *string
	Points      int64
	CreatedAt   time.Time
	BlockNumber int64
	TxHash      string
	LogIndex    uint
}

// UserPlan 单个地址在本窗口内的撤销与写入计划
type UserPlan struct {
	Address      string
	Registered   bool
	RetractCount int64
	RetractSum   int64
	Apply        []Entry
	ApplySum     int64
}

// ExpectedDelta 未考虑下限截断时总积分的预期变化
func (u *UserPlan) ExpectedDelta() int64 {
	return u.ApplySum - u.RetractSum
}

// ExpectedTotal 给定旧总积分时的预期新总积分
func (u *UserPlan) ExpectedTotal(old int64) int64 {
	return floorSubtract(old, u.RetractSum) + u.ApplySum
}

// SkipCounts 被丢弃事件的分类计数
type SkipCounts struct {
	UnknownAddress int `json:"unknown_address"`
	MissingReward  int `json:"missing_reward"`
	OutOfWindow    int `json:"out_of_window"`
}

func (s SkipCounts) Total() int {
	return s.UnknownAddress + s.MissingReward + s.OutOfWindow
}

// Plan 差异计算结果，Users按地址排序
type Plan struct {
	Window  Window
	Users   []*UserPlan
	Skipped SkipCounts
	Events  int
}

func (p *Plan) RetractCount() int64 {
	var n int64
	for _, u := range p.Users {
		n += u.RetractCount
	}
	return n
}

func (p *Plan) ApplyCount() int64 {
	var n int64
	for _, u := range p.Users {
		n += int64(len(u.Apply))
	}
	return n
}

// Batches 按用户数切分计划
func (p *Plan) Batches(size int) [][]*UserPlan {
	if size <= 0 {
		size = len(p.Users)
	}
	var batches [][]*UserPlan
	for start := 0; start < len(p.Users); start += size {
		end := start + size
		if end > len(p.Users) {
			end = len(p.Users)
		}
		batches = append(batches, p.Users[start:end])
	}
	return batches
}

// DiffInput 差异计算的输入
// Registered为事件地址与既有流水地址中已注册的集合
// Priors缺失的地址按reward.DefaultPrior处理
type DiffInput struct {
	Window     Window
	Events     []models.ChainEvent
	Registered map[string]bool
	Existing   []models.UserPoint
	Priors     map[string]reward.Prior
}

// Diff 计算窗口内既有流水与新事件之间的替换计划
// 在任何写入之前校验：既有流水必须属于窗口的区块范围，计算出的积分不能为负
func Diff(in DiffInput, calc Rewarder) (*Plan, error) {
	plan := &Plan{Window: in.Window, Events: len(in.Events)}
	users := make(map[string]*UserPlan)

	get := func(addr string) *UserPlan {
		u, ok := users[addr]
		if !ok {
			u = &UserPlan{Address: addr, Registered: in.Registered[addr]}
			users[addr] = u
		}
		return u
	}

	for _, e := range in.Existing {
		if e.PointType != in.Window.PointType {
			return nil, errors.New(errors.ErrDiffInconsistency,
				fmt.Sprintf("流水 %d 类型 %s 不属于窗口 %s", e.ID, e.PointType, in.Window), nil)
		}
		if !in.Window.Owns(e) {
			return nil, errors.New(errors.ErrDiffInconsistency,
				fmt.Sprintf("流水 %d 区块 %s 不在窗口 %s 内", e.ID, blockLabel(e.BlockNumber), in.Window), nil)
		}
		u := get(strings.ToLower(e.UserAddress))
		u.RetractCount++
		u.RetractSum += e.Points
	}

	for _, ev := range in.Events {
		addr := strings.ToLower(ev.Address)
		if !in.Window.Contains(ev.BlockNumber) {
			plan.Skipped.OutOfWindow++
			continue
		}
		if !in.Registered[addr] {
			plan.Skipped.UnknownAddress++
			continue
		}

		prior, ok := in.Priors[addr]
		if !ok {
			prior = reward.DefaultPrior
		}
		points, err := calc.Reward(ev, prior)
		if stderrors.Is(err, reward.ErrMissingReward) {
			plan.Skipped.MissingReward++
			continue
		}
		if err != nil {
			return nil, errors.New(errors.ErrDiffInconsistency,
				fmt.Sprintf("计算事件 %s:%d 奖励失败", ev.TxHash, ev.LogIndex), err)
		}
		if points < 0 {
			return nil, errors.New(errors.ErrDiffInconsistency,
				fmt.Sprintf("事件 %s:%d 计算出负积分 %d", ev.TxHash, ev.LogIndex, points), nil)
		}

		entry := Entry{
			Address:     addr,
			Points:      points,
			CreatedAt:   NormalizeTime(ev.Timestamp),
			BlockNumber: ev.BlockNumber,
			TxHash:      ev.TxHash,
			LogIndex:    ev.LogIndex,
		}
		if ev.CampaignID != "" {
			id := ev.CampaignID
			entry.CampaignID = &id
		}

		u := get(addr)
		u.Apply = append(u.Apply, entry)
		u.ApplySum += points
	}

	plan.Users = make([]*UserPlan, 0, len(users))
	for _, u := range users {
		plan.Users = append(plan.Users, u)
	}
	sort.Slice(plan.Users, func(i, j int) bool {
		return plan.Users[i].Address < plan.Users[j].Address
	})

	return plan, nil
}

func blockLabel(n *int64) string {
	if n == nil {
		return "NULL"
	}
	return fmt.Sprintf("%d", *n)
}

func floorSubtract(a, b int64) int64 {
	if a-b < 0 {
		return 0
	}
	return a - b
}
