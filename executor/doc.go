/*
Package executor runs build tool tasks as local subprocesses and captures their output.

An invocation is always [tool, task, args...], where an empty task is omitted so the tool falls back to its default target. Output is buffered in memory and returned once the process exits; nothing is streamed.

Run returns a *Result whenever the process actually ran, regardless of its exit code. When the process could not be started, or was killed because it ran past its deadline, Run returns a *DispatchError or a *TimeoutError instead, so callers can tell "ran and failed" apart from "never ran" without inspecting error strings.

Every invocation gets its own process group, and a timeout kills the whole group, so tools that fork children (make recipes, shells) do not leave orphans behind holding the output pipes open.
*/
package executor
