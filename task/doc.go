// Package task implements the task subsystem (C6) layered on top of an
// mcpsession.Session: a persistent record of work that outlives its
// initiating request, a per-task side-channel message queue used for
// mid-task elicitation and sampling, and the tasks/result long-poll
// handler that ties the two together via the session's ResponseRouter
// hook.
//
// A Handler registers tasks/get, tasks/list, tasks/cancel, and
// tasks/result on its Assigner and installs a *Manager as the session's
// ResponseRouter with Session.SetResponseRouter before calling Connect.
// Handlers for task-augmented requests call Manager.RunTask from inside
// their own Handler, receiving a HandlerContext to report progress,
// complete, fail, or interact mid-task via Elicit/CreateMessage.
package task
