package saga

import "context"

// Step saga 中的一个工作单元：正向动作与可撤销它的逆向动作成对出现。
// Execute 前置条件不满足时返回 *StepError；Execute 不得留下半套效果——
// 失败的步骤自身永远不会被编排器补偿，所以步内部分写入要自清理。
// Compensate 只会对「曾成功 Execute」的步骤调用，且每个 saga 实例至多一次；
// 失败时返回 *CompensationError，Critical 标志由步骤作者按语义判定。
type Step interface {
	Name() string
	Execute(ctx context.Context, sc *Context) error
	Compensate(ctx context.Context, sc *Context) error
}
