/*
Package types defines the data structures shared across mahid's
subsystems: the Endpoint Registry, the Auth Manager, the Sandbox
Harness, the Worker Pool, the Gateway, and the Process Supervisor.

These types carry no behaviour beyond small, self-contained predicates
(Token.HasScope, Token.Expired, SandboxPermissions.Allows) — the
subsystems that own the corresponding state live in their own packages
and accept/return these types at their boundaries.
*/
package types
