/*
Package steps implements the Step Runner: sequential execution of a job's
step list over its Execution Context tree. It never
propagates an error to its caller — every failure is recorded on the
appropriate Context and folded into that step's, then the job's, Result.
*/
package steps
