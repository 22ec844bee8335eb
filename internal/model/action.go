package model

// Action 外部动作，固定枚举
type Action int

const (
	WithdrawGadget Action = iota
	ExposeGadget
	FlushToDisk
	RemountShare
)

var actionNames = map[Action]string{
	WithdrawGadget: "withdraw_gadget",
	ExposeGadget:   "expose_gadget",
	FlushToDisk:    "flush_to_disk",
	RemountShare:   "remount_share",
}

func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return "unknown_action"
}

// Outcome 动作执行结果
type Outcome int

const (
	Succeeded Outcome = iota
	ActionFailed
	ActionTimedOut
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case ActionFailed:
		return "failed"
	case ActionTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Exposure USB 主机侧的可见状态
type Exposure int

const (
	Withdrawn Exposure = iota
	Exposed
)

func (e Exposure) String() string {
	if e == Exposed {
		return "exposed"
	}
	return "withdrawn"
}
